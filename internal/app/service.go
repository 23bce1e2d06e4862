package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"banter/api/internal/clerk"
	"banter/api/internal/config"
	"banter/api/internal/media"
	"banter/api/internal/metrics"
	"banter/api/internal/realtime"
	"banter/api/internal/rtc"
	"banter/api/internal/search"
	"banter/api/internal/store"
	"banter/api/internal/util"
)

// CreateConversationInput is the request body for conversation creation.
// Participants excludes the caller; the service always adds them.
type CreateConversationInput struct {
	Participants []string `json:"participants"`
	IsGroup      bool     `json:"isGroup"`
	GroupName    string   `json:"groupName"`
	GroupImage   string   `json:"groupImage"`
}

// SendMessageInput is the request body for sending a message.
type SendMessageInput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

var allowedMessageTypes = map[string]struct{}{
	"text":  {},
	"image": {},
	"video": {},
}

// dataStore is the persistence surface the service needs. The first three
// methods are the entire contract the webhook reconciler relies on.
type dataStore interface {
	FindUserByTokenIdentifier(context.Context, string) (*store.User, error)
	InsertUser(context.Context, store.User) (string, error)
	PatchUser(context.Context, string, store.UserPatch) error
	ListUsersExcept(context.Context, string) ([]store.User, error)
	CreateConversation(context.Context, store.Conversation, []string) error
	GetConversation(context.Context, string) (store.Conversation, error)
	IsParticipant(context.Context, string, string) (bool, error)
	ListParticipantIDs(context.Context, string) ([]string, error)
	RemoveParticipant(context.Context, string, string) error
	FindDirectConversation(context.Context, string, string) (*store.Conversation, error)
	ListConversationsForUser(context.Context, string) ([]store.ConversationSummary, error)
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string, int) ([]store.Message, error)
	Ping(ctx context.Context) error
}

type searchService interface {
	Search(search.Query) search.Response
	IndexMessage(search.MessageRecord)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	hub     *realtime.Hub
	search  searchService
	media   *media.Store
	video   *rtc.Service
	metrics *metrics.Collector
}

func New(cfg config.Config, dataStore *store.PostgresStore, hub *realtime.Hub, searchSvc *search.Service, mediaStore *media.Store, videoSvc *rtc.Service, collector *metrics.Collector) *Service {
	s := &Service{
		cfg:     cfg,
		store:   dataStore,
		hub:     hub,
		media:   mediaStore,
		video:   videoSvc,
		metrics: collector,
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Reconcile applies one normalized identity-provider command to the user
// store. Deliveries arrive unordered and possibly duplicated, so every
// branch is an idempotent lookup-then-write keyed on the token identifier.
func (s *Service) Reconcile(ctx context.Context, cmd clerk.Command) error {
	switch cmd.Op {
	case clerk.OpUpsertProfile:
		return s.upsertProfile(ctx, cmd)
	case clerk.OpPatchAvatar:
		return s.patchAvatar(ctx, cmd)
	case clerk.OpMarkOnline:
		return s.setPresence(ctx, cmd.TokenIdentifier, true)
	case clerk.OpMarkOffline:
		return s.setPresence(ctx, cmd.TokenIdentifier, false)
	case clerk.OpIgnore:
		s.transition("ignored", cmd.TokenIdentifier)
		log.Printf("reconcile: ignoring event type %q", cmd.EventType)
		return nil
	default:
		return fmt.Errorf("reconcile: unknown command %q", cmd.Op)
	}
}

func (s *Service) upsertProfile(ctx context.Context, cmd clerk.Command) error {
	existing, err := s.store.FindUserByTokenIdentifier(ctx, cmd.TokenIdentifier)
	if err != nil {
		return err
	}
	if existing != nil {
		// Enrichment (or a redelivered user.created): the row keeps its
		// identity, the profile fields are overwritten.
		if err := s.store.PatchUser(ctx, existing.ID, profilePatch(cmd)); err != nil {
			return err
		}
		s.transition("profile_enriched", cmd.TokenIdentifier)
		s.publishPresence(ctx, existing.ID, true)
		return nil
	}

	user := store.User{
		ID:              util.NewID("usr"),
		TokenIdentifier: cmd.TokenIdentifier,
		Email:           cmd.Email,
		Name:            cmd.Name,
		Image:           cmd.Image,
		IsOnline:        true,
	}
	userID, err := s.store.InsertUser(ctx, user)
	if errors.Is(err, store.ErrDuplicateKey) {
		// A concurrent delivery won the insert; apply ours as a patch.
		return s.patchAfterConflict(ctx, cmd.TokenIdentifier, profilePatch(cmd), "profile_conflict_patched")
	}
	if err != nil {
		return err
	}
	s.transition("profile_created", cmd.TokenIdentifier)
	s.publishPresence(ctx, userID, true)
	return nil
}

func profilePatch(cmd clerk.Command) store.UserPatch {
	online := true
	return store.UserPatch{
		Email:    &cmd.Email,
		Name:     &cmd.Name,
		Image:    &cmd.Image,
		IsOnline: &online,
	}
}

func (s *Service) patchAvatar(ctx context.Context, cmd clerk.Command) error {
	existing, err := s.store.FindUserByTokenIdentifier(ctx, cmd.TokenIdentifier)
	if err != nil {
		return err
	}
	if existing == nil {
		// A profile update for a user that was never created is an anomaly
		// worth surfacing, unlike an out-of-order offline event.
		s.transition("avatar_unknown_user", cmd.TokenIdentifier)
		return domainError(http.StatusNotFound, "USER_NOT_FOUND", "No user for profile update", nil)
	}
	if err := s.store.PatchUser(ctx, existing.ID, store.UserPatch{Image: &cmd.Image}); err != nil {
		return err
	}
	s.transition("avatar_patched", cmd.TokenIdentifier)
	return nil
}

func (s *Service) setPresence(ctx context.Context, tokenIdentifier string, online bool) error {
	existing, err := s.store.FindUserByTokenIdentifier(ctx, tokenIdentifier)
	if err != nil {
		return err
	}
	if existing == nil {
		if !online {
			// session.ended raced ahead of session.created; nothing to do.
			s.transition("offline_noop", tokenIdentifier)
			log.Printf("reconcile: offline for unknown user %s, skipping", tokenIdentifier)
			return nil
		}
		guest := store.User{
			ID:              util.NewID("usr"),
			TokenIdentifier: tokenIdentifier,
			Email:           clerk.DefaultEmail,
			Name:            clerk.DefaultName,
			Image:           clerk.DefaultImage,
			IsOnline:        true,
		}
		userID, err := s.store.InsertUser(ctx, guest)
		if errors.Is(err, store.ErrDuplicateKey) {
			return s.patchAfterConflict(ctx, tokenIdentifier, store.UserPatch{IsOnline: &online}, "guest_conflict_patched")
		}
		if err != nil {
			return err
		}
		s.transition("guest_created", tokenIdentifier)
		s.publishPresence(ctx, userID, true)
		return nil
	}

	if err := s.store.PatchUser(ctx, existing.ID, store.UserPatch{IsOnline: &online}); err != nil {
		return err
	}
	if online {
		s.transition("marked_online", tokenIdentifier)
	} else {
		s.transition("marked_offline", tokenIdentifier)
	}
	s.publishPresence(ctx, existing.ID, online)
	return nil
}

// patchAfterConflict retries a lost insert race as a patch, once. The row
// must exist now that another delivery inserted it; if it does not, the
// store is misbehaving and the error propagates so the provider retries.
func (s *Service) patchAfterConflict(ctx context.Context, tokenIdentifier string, patch store.UserPatch, branch string) error {
	existing, err := s.store.FindUserByTokenIdentifier(ctx, tokenIdentifier)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("reconcile: duplicate key for %s but no row on retry", tokenIdentifier)
	}
	if err := s.store.PatchUser(ctx, existing.ID, patch); err != nil {
		return err
	}
	s.transition(branch, tokenIdentifier)
	if patch.IsOnline != nil {
		s.publishPresence(ctx, existing.ID, *patch.IsOnline)
	}
	return nil
}

func (s *Service) transition(branch, tokenIdentifier string) {
	s.metrics.RecordTransition(branch)
	log.Printf("reconcile: %s token_identifier=%s", branch, tokenIdentifier)
}

func (s *Service) publishPresence(ctx context.Context, userID string, online bool) {
	if s.hub == nil {
		return
	}
	event := realtime.Event{
		Kind:     realtime.KindPresence,
		UserID:   userID,
		IsOnline: online,
	}
	if err := s.hub.Publish(ctx, event); err != nil {
		log.Printf("realtime: publish presence for %s: %v", userID, err)
	}
}

// GetMe returns the authenticated caller's record.
func (s *Service) GetMe(ctx context.Context, tokenIdentifier string) (store.User, error) {
	if strings.TrimSpace(tokenIdentifier) == "" {
		return store.User{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	user, err := s.store.FindUserByTokenIdentifier(ctx, tokenIdentifier)
	if err != nil {
		return store.User{}, err
	}
	if user == nil {
		return store.User{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
	}
	return *user, nil
}

// ListOthers returns every user except the caller, for the contact picker.
func (s *Service) ListOthers(ctx context.Context, tokenIdentifier string) ([]map[string]any, error) {
	if strings.TrimSpace(tokenIdentifier) == "" {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	users, err := s.store.ListUsersExcept(ctx, tokenIdentifier)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(users))
	for _, user := range users {
		views = append(views, userView(user))
	}
	return views, nil
}

func userView(user store.User) map[string]any {
	return map[string]any{
		"id":       user.ID,
		"email":    user.Email,
		"name":     user.Name,
		"image":    user.Image,
		"isOnline": user.IsOnline,
	}
}

// CreateConversation creates a direct or group conversation. A direct
// conversation between the same two users is returned rather than
// duplicated.
func (s *Service) CreateConversation(ctx context.Context, caller store.User, input CreateConversationInput) (map[string]any, error) {
	participants := dedupe(append(input.Participants, caller.ID))
	if len(participants) < 2 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A conversation needs at least one other participant", nil)
	}

	if !input.IsGroup {
		if len(participants) != 2 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A direct conversation has exactly two participants", nil)
		}
		existing, err := s.store.FindDirectConversation(ctx, participants[0], participants[1])
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return conversationView(*existing), nil
		}
	}

	conversation := store.Conversation{
		ID:      util.NewID("con"),
		IsGroup: input.IsGroup,
	}
	if input.IsGroup {
		if strings.TrimSpace(input.GroupName) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "groupName is required for a group conversation", nil)
		}
		conversation.GroupName = input.GroupName
		conversation.GroupImage = input.GroupImage
		conversation.AdminID = caller.ID
	}

	if err := s.store.CreateConversation(ctx, conversation, participants); err != nil {
		return nil, err
	}
	return conversationView(conversation), nil
}

func (s *Service) ListConversations(ctx context.Context, caller store.User) ([]map[string]any, error) {
	summaries, err := s.store.ListConversationsForUser(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(summaries))
	for _, summary := range summaries {
		view := conversationView(summary.Conversation)
		participants := make([]map[string]any, 0, len(summary.Participants))
		for _, user := range summary.Participants {
			participants = append(participants, userView(user))
		}
		view["participants"] = participants
		if summary.LastMessage != nil {
			view["lastMessage"] = messageView(*summary.LastMessage)
		}
		views = append(views, view)
	}
	return views, nil
}

func conversationView(conversation store.Conversation) map[string]any {
	view := map[string]any{
		"id":      conversation.ID,
		"isGroup": conversation.IsGroup,
	}
	if conversation.IsGroup {
		view["groupName"] = conversation.GroupName
		view["groupImage"] = conversation.GroupImage
		view["admin"] = conversation.AdminID
	}
	return view
}

// SendMessage persists a message, indexes it for search, and fans it out
// to the other participants. Indexing and fan-out are best effort; the
// insert is the source of truth.
func (s *Service) SendMessage(ctx context.Context, caller store.User, conversationID string, input SendMessageInput) (map[string]any, error) {
	if _, ok := allowedMessageTypes[input.Type]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be text, image or video", nil)
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if err := s.requireParticipant(ctx, conversationID, caller.ID); err != nil {
		return nil, err
	}

	message := store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		SenderID:       caller.ID,
		Type:           input.Type,
		Content:        input.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	s.metrics.RecordMessageSent()

	if s.search != nil && message.Type == "text" {
		s.search.IndexMessage(search.MessageRecord{
			ID:             message.ID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			Content:        message.Content,
		})
	}
	s.publishMessage(ctx, message)

	return messageView(message), nil
}

func (s *Service) publishMessage(ctx context.Context, message store.Message) {
	if s.hub == nil {
		return
	}
	recipients, err := s.store.ListParticipantIDs(ctx, message.ConversationID)
	if err != nil {
		log.Printf("realtime: list participants for %s: %v", message.ConversationID, err)
		return
	}
	event := realtime.Event{
		Kind:           realtime.KindMessage,
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
		MessageType:    message.Type,
		Content:        message.Content,
		SenderID:       message.SenderID,
		CreatedAt:      message.CreatedAt,
		Recipients:     recipients,
	}
	if err := s.hub.Publish(ctx, event); err != nil {
		log.Printf("realtime: publish message %s: %v", message.ID, err)
	}
}

func (s *Service) ListMessages(ctx context.Context, caller store.User, conversationID string, limit int) ([]map[string]any, error) {
	if err := s.requireParticipant(ctx, conversationID, caller.ID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		views = append(views, messageView(message))
	}
	return views, nil
}

func messageView(message store.Message) map[string]any {
	return map[string]any{
		"id":             message.ID,
		"conversationId": message.ConversationID,
		"sender":         message.SenderID,
		"type":           message.Type,
		"content":        message.Content,
		"createdAt":      message.CreatedAt.UnixMilli(),
	}
}

// KickParticipant removes a member from a group conversation. Only the
// group admin may kick, and the admin cannot be removed.
func (s *Service) KickParticipant(ctx context.Context, caller store.User, conversationID, userID string) error {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.IsGroup {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Not a group conversation", nil)
	}
	if conversation.AdminID != caller.ID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the group admin can remove participants", nil)
	}
	if userID == conversation.AdminID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "The group admin cannot be removed", nil)
	}
	return s.store.RemoveParticipant(ctx, conversationID, userID)
}

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not a participant of this conversation", nil)
	}
	return nil
}

// SearchMessages runs a full-text search scoped to the caller's
// conversations.
func (s *Service) SearchMessages(ctx context.Context, caller store.User, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	summaries, err := s.store.ListConversationsForUser(ctx, caller.ID)
	if err != nil {
		return search.Response{}, err
	}
	conversationIDs := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		conversationIDs = append(conversationIDs, summary.ID)
	}
	return s.search.Search(search.Query{
		Text:            text,
		ConversationIDs: conversationIDs,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

// VideoToken mints a join token for the video SDK.
func (s *Service) VideoToken(userID string) (map[string]any, error) {
	token, err := s.video.Issue(userID)
	if err != nil {
		if errors.Is(err, rtc.ErrNotConfigured) {
			return nil, domainError(http.StatusInternalServerError, "VIDEO_UNAVAILABLE", "Video calling is not configured", nil)
		}
		return nil, err
	}
	return map[string]any{"token": token, "appId": s.video.AppID()}, nil
}

// UploadMedia stores an image or video object and returns its id.
func (s *Service) UploadMedia(ctx context.Context, contentType string, size int64, body io.Reader) (string, error) {
	if s.media == nil {
		return "", domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage is not configured", nil)
	}
	if !media.AllowedContentType(contentType) {
		return "", domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Only image and video uploads are accepted", nil)
	}
	return s.media.Upload(ctx, contentType, size, body)
}

// DownloadMedia opens a stored object for streaming.
func (s *Service) DownloadMedia(ctx context.Context, id string) (io.ReadCloser, media.Info, error) {
	if s.media == nil {
		return nil, media.Info{}, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage is not configured", nil)
	}
	return s.media.Download(ctx, id)
}

// Subscribe exposes the realtime hub to the websocket endpoint.
func (s *Service) Subscribe(ctx context.Context) (<-chan realtime.Event, func(), error) {
	if s.hub == nil {
		return nil, nil, domainError(http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime delivery is not configured", nil)
	}
	events, cancel := s.hub.Subscribe(ctx)
	return events, cancel, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
