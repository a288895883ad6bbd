package chatstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/storage"
)

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	engine := storage.NewEngine(storage.Options{Path: filepath.Join(t.TempDir(), "chats.db")})
	if err := engine.Open(context.Background(), storage.Merge(1, Stores())); err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return New(engine, 50)
}

func mustSaveConversation(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	if err := s.SaveConversation(context.Background(), Conversation{ID: id, CreatedAt: at, Title: id}); err != nil {
		t.Fatalf("SaveConversation(%s) failed: %v", id, err)
	}
}

func chat(id, conversationID string, at time.Time) ChatMessage {
	return ChatMessage{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "alice",
		Payload:        Payload{Plaintext: "message " + id},
		CreatedAt:      at,
	}
}

func ids(items []ChatMessage) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.ID
	}
	return out
}

func TestSaveConversation_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveConversation(ctx, Conversation{CreatedAt: t0}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation for missing id, got %v", err)
	}
	if err := s.SaveConversation(ctx, Conversation{ID: "c1"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation for missing createdAt, got %v", err)
	}
}

func TestSaveConversation_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSaveConversation(t, s, "c1", t0)
	if err := s.SaveConversation(ctx, Conversation{ID: "c1", CreatedAt: t0, Title: "renamed"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	conv, err := s.GetConversation(ctx, "c1")
	if err != nil || conv == nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.Title != "renamed" {
		t.Errorf("Expected title to be replaced, got %q", conv.Title)
	}

	missing, err := s.GetConversation(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil for unknown conversation (got %+v, %v)", missing, err)
	}
}

func TestSaveChat_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveChat(context.Background(), chat("m1", "ghost", t0))
	if !errors.Is(err, apperr.ErrReferential) {
		t.Fatalf("Expected ErrReferential, got %v", err)
	}
}

func TestSaveChat_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)

	bad := []ChatMessage{
		chat("", "c1", t0),
		chat("m1", "", t0),
		chat("m1", "c1", time.Time{}),
	}
	for i, m := range bad {
		if err := s.SaveChat(ctx, m); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestSaveChat_RejectsTimeOutsideIndexRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)

	old := time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveChat(ctx, chat("old", "c1", old)); err != nil {
		t.Fatalf("SaveChat failed: %v", err)
	}
	far := time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveChat(ctx, chat("far", "c1", far)); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}

	page, err := s.GetChats(ctx, "c1", 1, 10)
	if err != nil {
		t.Fatalf("GetChats failed: %v", err)
	}
	if got := fmt.Sprint(ids(page.Items)); got != "[old]" {
		t.Errorf("Expected only [old], got %s", got)
	}
}

func TestDeleteChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)
	s.SaveChat(ctx, chat("m1", "c1", t0))
	s.SaveChat(ctx, chat("m2", "c1", t0.Add(time.Minute)))

	if err := s.DeleteChat(ctx, "m1"); err != nil {
		t.Fatalf("DeleteChat failed: %v", err)
	}
	if n, _ := s.CountChats(ctx, "c1"); n != 1 {
		t.Errorf("Expected 1 chat left, got %d", n)
	}
	if err := s.DeleteChat(ctx, "m1"); err != nil {
		t.Errorf("Deleting a missing chat should succeed, got %v", err)
	}
	if err := s.DeleteChat(ctx, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestGetChats_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)

	for i := 0; i < 15; i++ {
		if err := s.SaveChat(ctx, chat(fmt.Sprintf("m%02d", i), "c1", t0.Add(time.Duration(i+1)*time.Second))); err != nil {
			t.Fatalf("SaveChat failed: %v", err)
		}
	}

	first, err := s.GetChats(ctx, "c1", 1, 10)
	if err != nil {
		t.Fatalf("GetChats page 1 failed: %v", err)
	}
	if len(first.Items) != 10 || !first.HasMore {
		t.Fatalf("Expected 10 items with more, got %d (hasMore=%v)", len(first.Items), first.HasMore)
	}
	if first.Items[0].ID != "m14" || first.Items[9].ID != "m05" {
		t.Errorf("Expected m14..m05, got %v", ids(first.Items))
	}

	second, err := s.GetChats(ctx, "c1", 2, 10)
	if err != nil {
		t.Fatalf("GetChats page 2 failed: %v", err)
	}
	if len(second.Items) != 5 || second.HasMore {
		t.Fatalf("Expected 5 items and no more, got %d (hasMore=%v)", len(second.Items), second.HasMore)
	}
	if second.Page != 2 || second.PageSize != 10 {
		t.Errorf("Unexpected page metadata %d/%d", second.Page, second.PageSize)
	}

	all := append(first.Items, second.Items...)
	seen := make(map[string]bool)
	for i, m := range all {
		if seen[m.ID] {
			t.Errorf("Duplicate %s across pages", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && !m.CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("Not in descending time order at %d", i)
		}
	}
	if len(seen) != 15 {
		t.Errorf("Expected 15 distinct chats, got %d", len(seen))
	}

	empty, err := s.GetChats(ctx, "c1", 3, 10)
	if err != nil {
		t.Fatalf("GetChats page 3 failed: %v", err)
	}
	if len(empty.Items) != 0 || empty.HasMore {
		t.Errorf("Expected empty last page, got %v", ids(empty.Items))
	}
}

func TestGetChats_ExactPageHasNoMore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)
	for i := 0; i < 10; i++ {
		s.SaveChat(ctx, chat(fmt.Sprintf("m%02d", i), "c1", t0.Add(time.Duration(i)*time.Second)))
	}

	page, err := s.GetChats(ctx, "c1", 1, 10)
	if err != nil {
		t.Fatalf("GetChats failed: %v", err)
	}
	if len(page.Items) != 10 || page.HasMore {
		t.Errorf("Expected 10 items and no more, got %d (hasMore=%v)", len(page.Items), page.HasMore)
	}
}

func TestGetChats_ScopedToConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)
	mustSaveConversation(t, s, "c2", t0)

	s.SaveChat(ctx, chat("a", "c1", t0))
	s.SaveChat(ctx, chat("b", "c2", t0.Add(time.Second)))
	s.SaveChat(ctx, chat("c", "c1", t0.Add(2*time.Second)))

	page, err := s.GetChats(ctx, "c1", 1, 10)
	if err != nil {
		t.Fatalf("GetChats failed: %v", err)
	}
	if got := fmt.Sprint(ids(page.Items)); got != "[c a]" {
		t.Errorf("Expected [c a], got %s", got)
	}
}

func TestGetChats_TiesOrderedByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)

	for _, id := range []string{"m2", "m1", "m3"} {
		s.SaveChat(ctx, chat(id, "c1", t0))
	}
	page, _ := s.GetChats(ctx, "c1", 1, 10)
	if got := fmt.Sprint(ids(page.Items)); got != "[m3 m2 m1]" {
		t.Errorf("Expected [m3 m2 m1], got %s", got)
	}
}

func TestGetChats_PagingValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)

	if _, err := s.GetChats(ctx, "c1", 0, 10); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation for page 0, got %v", err)
	}
	if _, err := s.GetChats(ctx, "c1", 1, 0); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation for pageSize 0, got %v", err)
	}

	page, err := s.GetChats(ctx, "c1", 1, 500)
	if err != nil {
		t.Fatalf("GetChats failed: %v", err)
	}
	if page.PageSize != 50 {
		t.Errorf("Expected pageSize clamped to 50, got %d", page.PageSize)
	}
}

func TestSaveChats_Batch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)

	batch := []ChatMessage{
		chat("m1", "", t0.Add(time.Second)),
		chat("m2", "c1", t0.Add(2*time.Second)),
	}
	if err := s.SaveChats(ctx, batch, "c1"); err != nil {
		t.Fatalf("SaveChats failed: %v", err)
	}
	n, err := s.CountChats(ctx, "c1")
	if err != nil || n != 2 {
		t.Errorf("Expected 2 chats, got %d (%v)", n, err)
	}
}

func TestSaveChats_AllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)

	mismatched := []ChatMessage{
		chat("m1", "c1", t0),
		chat("m2", "c2", t0),
	}
	if err := s.SaveChats(ctx, mismatched, "c1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}

	invalid := []ChatMessage{
		chat("m1", "c1", t0),
		chat("", "c1", t0),
	}
	if err := s.SaveChats(ctx, invalid, "c1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}

	if err := s.SaveChats(ctx, []ChatMessage{chat("m1", "", t0)}, "ghost"); !errors.Is(err, apperr.ErrReferential) {
		t.Fatalf("Expected ErrReferential, got %v", err)
	}

	n, _ := s.CountChats(ctx, "c1")
	if n != 0 {
		t.Errorf("Expected no chats written, got %d", n)
	}
}

func TestGetConversations_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustSaveConversation(t, s, fmt.Sprintf("c%d", i), t0.Add(time.Duration(i)*time.Hour))
	}

	page, err := s.GetConversations(ctx, 1, 3)
	if err != nil {
		t.Fatalf("GetConversations failed: %v", err)
	}
	if len(page.Items) != 3 || !page.HasMore {
		t.Fatalf("Expected 3 items with more, got %d (hasMore=%v)", len(page.Items), page.HasMore)
	}
	if page.Items[0].ID != "c4" || page.Items[2].ID != "c2" {
		t.Errorf("Unexpected order: %s..%s", page.Items[0].ID, page.Items[2].ID)
	}

	rest, _ := s.GetConversations(ctx, 2, 3)
	if len(rest.Items) != 2 || rest.HasMore {
		t.Errorf("Expected 2 trailing items, got %d (hasMore=%v)", len(rest.Items), rest.HasMore)
	}
}

func TestDeleteConversation_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSaveConversation(t, s, "c1", t0)
	mustSaveConversation(t, s, "c2", t0.Add(time.Minute))

	for i := 0; i < 4; i++ {
		s.SaveChat(ctx, chat(fmt.Sprintf("a%d", i), "c1", t0.Add(time.Duration(i)*time.Second)))
	}
	s.SaveChat(ctx, chat("b0", "c2", t0))

	if err := s.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	if _, err := s.GetChats(ctx, "c1", 1, 10); !errors.Is(err, apperr.ErrReferential) {
		t.Errorf("Expected ErrReferential after delete, got %v", err)
	}

	convs, _ := s.GetConversations(ctx, 1, 10)
	for _, c := range convs.Items {
		if c.ID == "c1" {
			t.Error("Deleted conversation still listed")
		}
	}

	// Re-creating the conversation must not resurrect old messages
	mustSaveConversation(t, s, "c1", t0)
	n, _ := s.CountChats(ctx, "c1")
	if n != 0 {
		t.Errorf("Expected messages to be deleted, found %d", n)
	}
	other, _ := s.CountChats(ctx, "c2")
	if other != 1 {
		t.Errorf("Other conversation lost messages: %d", other)
	}
}
