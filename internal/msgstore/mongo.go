// ABOUTME: MongoDB implementation of the document store
// ABOUTME: Messages, conversations, and files with guarded status transitions

package msgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/2389/loom-gateway/internal/chat"
)

// participantCASRetries bounds the optimistic-concurrency loop in
// ModifyParticipants.
const participantCASRetries = 3

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client        *mongo.Client
	messages      *mongo.Collection
	conversations *mongo.Collection
	files         *mongo.Collection
	logger        *slog.Logger
}

// NewMongoStore connects to MongoDB and ensures the indexes the query paths
// depend on.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "msgstore")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		messages:      db.Collection("messages"),
		conversations: db.Collection("conversations"),
		files:         db.Collection("files"),
		logger:        logger,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("Mongo store initialized", "database", database)
	return s, nil
}

// ensureIndexes creates the compound indexes behind history pagination,
// webhook status lookups, and inbound conversation resolution.
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "created_at", Value: -1},
			{Key: "_id", Value: -1},
		}},
		{
			Keys: bson.D{
				{Key: "channel", Value: 1},
				{Key: "platform_message_id", Value: 1},
			},
			Options: options.Index().SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}

	_, err = s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "platform_refs.platform", Value: 1},
			{Key: "platform_refs.platform_chat_id", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "participants.user_id", Value: 1},
			{Key: "updated_at", Value: -1},
		}},
	})
	if err != nil {
		return fmt.Errorf("conversations indexes: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB
func (s *MongoStore) Close(ctx context.Context) error {
	s.logger.Info("closing Mongo store")
	return s.client.Disconnect(ctx)
}

// Ping verifies the deployment is reachable
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// PutMessage stores a new message and seeds its status history.
// Returns ErrDuplicateMessage if the id already exists.
func (s *MongoStore) PutMessage(ctx context.Context, msg *chat.Message) error {
	stored := cloneMessage(msg)
	if len(stored.StatusHistory) == 0 {
		stored.StatusHistory = []chat.StatusEntry{
			{Status: stored.Status, At: stored.CreatedAt},
		}
	}

	if _, err := s.messages.InsertOne(ctx, stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by ID.
func (s *MongoStore) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	var msg chat.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return &msg, nil
}

// GetMessageByPlatformID retrieves a message by its provider-side id.
func (s *MongoStore) GetMessageByPlatformID(ctx context.Context, platform chat.Platform, platformMessageID string) (*chat.Message, error) {
	filter := bson.M{
		"channel":             string(platform),
		"platform_message_id": platformMessageID,
	}

	var msg chat.Message
	err := s.messages.FindOne(ctx, filter).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by platform id: %w", err)
	}
	return &msg, nil
}

// validSources returns the statuses from which `to` is reachable. It is the
// transition table inverted for use as an update guard.
func validSources(to chat.Status) []string {
	all := []chat.Status{
		chat.StatusPending,
		chat.StatusSent,
		chat.StatusDelivered,
		chat.StatusRead,
		chat.StatusFailed,
	}
	var froms []string
	for _, from := range all {
		if chat.ValidTransition(from, to) {
			froms = append(froms, string(from))
		}
	}
	return froms
}

// AppendStatus applies one status transition.
// Returns ErrInvalidTransition when the state machine forbids it.
func (s *MongoStore) AppendStatus(ctx context.Context, messageID string, entry chat.StatusEntry) error {
	return s.guardedStatusUpdate(ctx, messageID, entry, bson.M{})
}

// FinalizeDelivery applies a terminal transition together with the router's
// per-recipient outcome metadata.
func (s *MongoStore) FinalizeDelivery(ctx context.Context, messageID string, entry chat.StatusEntry, outcome DeliveryOutcome) error {
	extra := bson.M{"recipient_states": outcome.States}
	if outcome.PlatformMessageID != "" {
		extra["platform_message_id"] = outcome.PlatformMessageID
	}
	if outcome.ErrorKind != chat.ErrorKindNone {
		extra["error_kind"] = string(outcome.ErrorKind)
	}
	return s.guardedStatusUpdate(ctx, messageID, entry, extra)
}

// guardedStatusUpdate performs the monotone status write. The filter admits
// only documents whose current status may legally move to entry.Status, so a
// concurrent or repeated apply degrades to MatchedCount 0.
func (s *MongoStore) guardedStatusUpdate(ctx context.Context, messageID string, entry chat.StatusEntry, extraSet bson.M) error {
	froms := validSources(entry.Status)
	if len(froms) == 0 {
		return fmt.Errorf("%w: no status may move to %s", ErrInvalidTransition, entry.Status)
	}

	set := bson.M{
		"status":     string(entry.Status),
		"updated_at": entry.At,
	}
	for k, v := range extraSet {
		set[k] = v
	}

	filter := bson.M{"_id": messageID, "status": bson.M{"$in": froms}}
	update := bson.M{
		"$set":  set,
		"$push": bson.M{"status_history": entry},
	}

	res, err := s.messages.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	if res.MatchedCount == 0 {
		// Either the message is missing or its current status refuses the
		// transition; look once more to say which.
		current, err := s.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, entry.Status)
	}

	return nil
}

// ListMessages returns one history page, newest first, filtered to the
// requesting user's membership intervals.
func (s *MongoStore) ListMessages(ctx context.Context, params ListMessagesParams) (*ListMessagesResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	conv, err := s.GetConversation(ctx, params.ConversationID)
	if err != nil {
		return nil, err
	}

	var intervals []bson.M
	for _, p := range conv.Participants {
		if p.UserID != params.RequestingUserID {
			continue
		}
		cond := bson.M{"$gte": p.JoinedAt}
		window := bson.M{"created_at": cond}
		if p.LeftAt != nil {
			window = bson.M{"created_at": bson.M{"$gte": p.JoinedAt, "$lt": *p.LeftAt}}
		}
		intervals = append(intervals, window)
	}
	if len(intervals) == 0 {
		return nil, ErrNotParticipant
	}

	and := []bson.M{
		{"conversation_id": params.ConversationID},
		{"$or": intervals},
	}

	if params.Cursor != "" {
		cursorTS, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, err
		}
		and = append(and, bson.M{"$or": []bson.M{
			{"created_at": bson.M{"$lt": cursorTS}},
			{"created_at": cursorTS, "_id": bson.M{"$lt": cursorID}},
		}})
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))

	cur, err := s.messages.Find(ctx, bson.M{"$and": and}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer cur.Close(ctx)

	var page []*chat.Message
	for cur.Next(ctx) {
		var msg chat.Message
		if err := cur.Decode(&msg); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		page = append(page, &msg)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}

	result := &ListMessagesResult{Messages: page, HasMore: hasMore}
	if hasMore && len(page) > 0 {
		last := page[len(page)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return result, nil
}

// PutAttachmentRef adds a file reference to a message still in PENDING.
func (s *MongoStore) PutAttachmentRef(ctx context.Context, messageID, fileID string) error {
	filter := bson.M{"_id": messageID, "status": string(chat.StatusPending)}
	update := bson.M{"$addToSet": bson.M{"file_ids": fileID}}

	res, err := s.messages.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("adding attachment ref: %w", err)
	}
	if res.MatchedCount == 0 {
		current, err := s.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: message is %s, attachments close at PENDING", ErrInvalidTransition, current.Status)
	}

	return nil
}

// CreateConversation stores a new conversation after validating its shape.
func (s *MongoStore) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	if err := chat.ValidateParticipantCount(conv.Type, len(conv.ActiveParticipants(conv.CreatedAt))); err != nil {
		return err
	}

	if _, err := s.conversations.InsertOne(ctx, conv); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("conversation %s already exists", conv.ID)
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	var conv chat.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return &conv, nil
}

// ModifyParticipants applies a membership change and writes the synthetic
// SYSTEM message recording it. The conversation write is an optimistic
// compare-and-set on updated_at, retried a few times under contention.
func (s *MongoStore) ModifyParticipants(ctx context.Context, params ModifyParticipantsParams) (*chat.Conversation, *chat.Message, error) {
	for attempt := 0; attempt < participantCASRetries; attempt++ {
		conv, err := s.GetConversation(ctx, params.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		prevUpdatedAt := conv.UpdatedAt

		if err := applyParticipantChange(conv, params); err != nil {
			return nil, nil, err
		}

		res, err := s.conversations.ReplaceOne(ctx,
			bson.M{"_id": conv.ID, "updated_at": prevUpdatedAt},
			conv,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("replacing conversation: %w", err)
		}
		if res.MatchedCount == 0 {
			continue
		}

		sysMsg, err := buildSystemMessage(conv, params, conv.UpdatedAt)
		if err != nil {
			return nil, nil, err
		}
		if err := s.PutMessage(ctx, sysMsg); err != nil {
			return nil, nil, fmt.Errorf("writing participant system message: %w", err)
		}

		return conv, sysMsg, nil
	}

	return nil, nil, fmt.Errorf("modifying participants of %s: too much contention", params.ConversationID)
}

// FindConversationByRef looks up the conversation bound to an external chat.
func (s *MongoStore) FindConversationByRef(ctx context.Context, platform chat.Platform, platformChatID string) (*chat.Conversation, error) {
	filter := bson.M{
		"platform_refs": bson.M{"$elemMatch": bson.M{
			"platform":         string(platform),
			"platform_chat_id": platformChatID,
		}},
	}

	var conv chat.Conversation
	err := s.conversations.FindOne(ctx, filter).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by ref: %w", err)
	}
	return &conv, nil
}

// AttachPlatformRef binds an external chat to a conversation. Idempotent for
// the same conversation; a ref already bound elsewhere is an error.
func (s *MongoStore) AttachPlatformRef(ctx context.Context, conversationID string, ref chat.PlatformRef) error {
	existing, err := s.FindConversationByRef(ctx, ref.Platform, ref.PlatformChatID)
	if err == nil {
		if existing.ID == conversationID {
			return nil
		}
		return fmt.Errorf("ref %s:%s already bound to conversation %s", ref.Platform, ref.PlatformChatID, existing.ID)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$addToSet": bson.M{"platform_refs": ref}},
	)
	if err != nil {
		return fmt.Errorf("attaching platform ref: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// FindActiveConversation returns the most recently updated conversation where
// userID is an active participant and the platform is bound.
func (s *MongoStore) FindActiveConversation(ctx context.Context, userID string, platform chat.Platform) (*chat.Conversation, error) {
	filter := bson.M{
		"participants": bson.M{"$elemMatch": bson.M{
			"user_id": userID,
			"left_at": bson.M{"$exists": false},
		}},
		"$or": []bson.M{
			{"primary_channel": string(platform)},
			{"platform_refs.platform": string(platform)},
		},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})

	var conv chat.Conversation
	err := s.conversations.FindOne(ctx, filter, opts).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return &conv, nil
}

// PutFile stores file metadata.
func (s *MongoStore) PutFile(ctx context.Context, f *chat.File) error {
	if _, err := s.files.InsertOne(ctx, f); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("file %s already exists", f.ID)
		}
		return fmt.Errorf("inserting file: %w", err)
	}
	return nil
}

// GetFile retrieves file metadata by ID.
func (s *MongoStore) GetFile(ctx context.Context, id string) (*chat.File, error) {
	var f chat.File
	err := s.files.FindOne(ctx, bson.M{"_id": id}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying file: %w", err)
	}
	return &f, nil
}

// SetFileVerdict records a scan result. Only PENDING files may move, and
// only to CLEAN or REJECTED.
func (s *MongoStore) SetFileVerdict(ctx context.Context, fileID string, verdict chat.ScanVerdict) error {
	if verdict != chat.VerdictClean && verdict != chat.VerdictRejected {
		return fmt.Errorf("%w: verdict %s is not a scan result", ErrInvalidTransition, verdict)
	}

	filter := bson.M{"_id": fileID, "scan_verdict": string(chat.VerdictPending)}
	update := bson.M{"$set": bson.M{"scan_verdict": string(verdict)}}

	res, err := s.files.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("setting file verdict: %w", err)
	}
	if res.MatchedCount == 0 {
		current, err := s.GetFile(ctx, fileID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.ScanVerdict, verdict)
	}

	return nil
}

// Ensure MongoStore implements Store.
var _ Store = (*MongoStore)(nil)
