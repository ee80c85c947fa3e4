package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/TyrellHaywood/echo-sub001/model"
)

type fakeChatRepo struct {
	mu        sync.Mutex
	messages  []model.ChatMessage
	appendErr error
}

func (r *fakeChatRepo) ListMessages(ctx context.Context, projectID string, limit int) ([]model.ChatMessage, error) {
	return r.ListMessagesAfter(ctx, projectID, "", limit)
}

func (r *fakeChatRepo) ListMessagesAfter(ctx context.Context, projectID, afterID string, limit int) ([]model.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.ChatMessage
	found := afterID == ""
	for _, message := range r.messages {
		if !found {
			if message.ID == afterID {
				found = true
			}
			continue
		}
		if message.ProjectID == projectID {
			out = append(out, message)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeChatRepo) AppendMessage(ctx context.Context, message *model.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.messages = append(r.messages, *message)
	return nil
}

var alice = model.Profile{UserID: "alice", DisplayName: "Alice"}

func TestChatSendReconcilesProvisional(t *testing.T) {
	repo := &fakeChatRepo{}
	var published []*model.ChatMessage
	log := NewChatLog("p1", repo, func(message *model.ChatMessage) {
		published = append(published, message)
	})

	ack, err := log.Send(context.Background(), alice, "prov-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if ack.ProvisionalID != "prov-1" || ack.ID == "" || ack.ID == "prov-1" {
		t.Fatalf("ack should map provisional to canonical, got %+v", ack)
	}

	messages := log.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected exactly one entry after reconciliation, got %d", len(messages))
	}
	if messages[0].ID != ack.ID || messages[0].Provisional {
		t.Errorf("entry should carry the canonical identity, got %+v", messages[0])
	}
	if len(published) != 1 || published[0].ID != ack.ID {
		t.Errorf("canonical message should be published, got %v", published)
	}
}

func TestChatSendKeepsProvisionalOnPersistFailure(t *testing.T) {
	repo := &fakeChatRepo{appendErr: fmt.Errorf("db down")}
	log := NewChatLog("p1", repo, nil)

	_, err := log.Send(context.Background(), alice, "prov-1", "hello")
	var persistErr *model.PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}

	// The optimistic entry stays visible so the sender can see their message
	// flagged as possibly unsaved.
	messages := log.Messages()
	if len(messages) != 1 || !messages[0].Provisional {
		t.Errorf("provisional entry should survive the failure, got %+v", messages)
	}
}

func TestChatRemoteDeliveryDeduplicates(t *testing.T) {
	log := NewChatLog("p1", &fakeChatRepo{}, nil)

	message := model.ChatMessage{ID: "m1", ProjectID: "p1", SenderID: "bob", Content: "hi", CreatedAt: time.Now()}
	if !log.OnRemote(message) {
		t.Fatal("first delivery should be new")
	}
	if log.OnRemote(message) {
		t.Fatal("redelivery must be dropped")
	}
	if got := len(log.Messages()); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}
}

func TestChatOrderingTieBreaksOnID(t *testing.T) {
	log := NewChatLog("p1", &fakeChatRepo{}, nil)

	at := time.Unix(1000, 0)
	log.OnRemote(model.ChatMessage{ID: "m2", ProjectID: "p1", SenderID: "bob", Content: "b", CreatedAt: at})
	log.OnRemote(model.ChatMessage{ID: "m1", ProjectID: "p1", SenderID: "carol", Content: "a", CreatedAt: at})

	messages := log.Messages()
	if messages[0].ID != "m1" || messages[1].ID != "m2" {
		t.Errorf("equal timestamps must order by id, got %+v", messages)
	}
}

func TestChatLastIDSkipsProvisional(t *testing.T) {
	repo := &fakeChatRepo{appendErr: fmt.Errorf("db down")}
	log := NewChatLog("p1", repo, nil)

	log.OnRemote(model.ChatMessage{ID: "m1", ProjectID: "p1", SenderID: "bob", Content: "hi", CreatedAt: time.Unix(1000, 0)})
	log.Send(context.Background(), alice, "prov-1", "pending") // persist fails, stays provisional

	if got := log.LastID(); got != "m1" {
		t.Errorf("LastID must skip provisional entries, got %q", got)
	}
}

func TestChatHydrateResumesAfterID(t *testing.T) {
	repo := &fakeChatRepo{}
	base := time.Unix(1000, 0)
	for i := 1; i <= 3; i++ {
		repo.messages = append(repo.messages, model.ChatMessage{
			ID:        fmt.Sprintf("m%d", i),
			ProjectID: "p1",
			SenderID:  "bob",
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	log := NewChatLog("p1", repo, nil)
	history, err := log.Hydrate(context.Background(), "m1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID != "m2" {
		t.Fatalf("expected resume after m1, got %+v", history)
	}

	// Hydrating again must not duplicate entries already present.
	if _, err := log.Hydrate(context.Background(), "", 10); err != nil {
		t.Fatal(err)
	}
	if got := len(log.Messages()); got != 3 {
		t.Errorf("expected 3 unique messages, got %d", got)
	}
}
