package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/OmChillure/newera-search/internal/models"
	"github.com/OmChillure/newera-search/internal/session"
)

func TestAppendUserTurn(t *testing.T) {
	s := session.New("s1")
	docs := []models.Attachment{{Name: "a.pdf", Size: 10}}

	at := s.AppendUserTurn("hello", docs)

	turns := s.Turns()
	if len(turns) != 2 {
		t.Fatalf("len(Turns()) = %d, want 2", len(turns))
	}

	user := turns[0]
	if user.Author != models.AuthorUser || user.Text != "hello" || user.Streaming {
		t.Errorf("user turn = %+v, want non-streaming user turn with text hello", user)
	}
	if len(user.Attachments) != 1 || user.Attachments[0].Name != "a.pdf" {
		t.Errorf("user turn attachments = %+v, want a.pdf", user.Attachments)
	}

	if at.ID != turns[1].ID {
		t.Errorf("AppendUserTurn() returned %s, want assistant turn %s", at.ID, turns[1].ID)
	}
	if at.Author != models.AuthorAssistant || !at.Streaming || at.StartedOutput || at.Text != "" {
		t.Errorf("assistant turn = %+v, want empty streaming placeholder", at)
	}
	if user.ID == at.ID {
		t.Error("turn IDs should be unique")
	}
}

func TestAppendChunk(t *testing.T) {
	s := session.New("s1")
	at := s.AppendUserTurn("hello", nil)

	if s.AppendChunk("unknown", "x") {
		t.Error("AppendChunk() with unknown turn should be a no-op")
	}

	for _, c := range []string{"Hel", "lo"} {
		if !s.AppendChunk(at.ID, c) {
			t.Fatalf("AppendChunk(%q) = false, want true", c)
		}
	}

	cur, ok := s.CurrentStreamingTurn()
	if !ok {
		t.Fatal("CurrentStreamingTurn() should return the assistant turn")
	}
	if cur.Text != "Hello" || !cur.StartedOutput {
		t.Errorf("current turn = %+v, want text Hello with started output", cur)
	}
}

func TestFinalize(t *testing.T) {
	s := session.New("s1")
	at := s.AppendUserTurn("hello", nil)
	s.AppendChunk(at.ID, "Hel")

	images := []models.Image{{Src: "http://img/1"}}
	if !s.Finalize(at.ID, "Hello", images) {
		t.Fatal("Finalize() = false, want true")
	}

	got, _ := s.Turn(at.ID)
	if got.Streaming || got.Text != "Hello" || len(got.Images) != 1 {
		t.Errorf("finalized turn = %+v", got)
	}
	if _, ok := s.CurrentStreamingTurn(); ok {
		t.Error("CurrentStreamingTurn() should be empty after finalize")
	}

	if s.Finalize(at.ID, "again", []models.Image{{Src: "x"}, {Src: "y"}}) {
		t.Error("second Finalize() should be a no-op")
	}
	if s.AppendChunk(at.ID, "more") {
		t.Error("AppendChunk() after finalize should be a no-op")
	}
	got, _ = s.Turn(at.ID)
	if got.Text != "Hello" || len(got.Images) != 1 {
		t.Errorf("turn changed after second finalize: %+v", got)
	}
}

func TestFinalizeWithoutImages(t *testing.T) {
	s := session.New("s1")
	at := s.AppendUserTurn("hello", nil)

	s.Finalize(at.ID, "", nil)

	got, _ := s.Turn(at.ID)
	if got.Images != nil {
		t.Errorf("Images = %+v, want nil", got.Images)
	}
	if got.StartedOutput {
		t.Error("StartedOutput = true, want false for an answer without chunks")
	}
}

func TestSupersede(t *testing.T) {
	s := session.New("s1")
	first := s.AppendUserTurn("one", nil)
	s.AppendChunk(first.ID, "par")

	second := s.AppendUserTurn("two", nil)

	if s.AppendChunk(first.ID, "tial") {
		t.Error("AppendChunk() on superseded turn should be a no-op")
	}
	if s.Finalize(first.ID, "partial", []models.Image{{Src: "x"}}) {
		t.Error("Finalize() on superseded turn should be a no-op")
	}

	old, _ := s.Turn(first.ID)
	if !old.Streaming || !old.Superseded || old.Text != "par" || old.Images != nil {
		t.Errorf("superseded turn = %+v, want frozen streaming turn with text par", old)
	}

	cur, ok := s.CurrentStreamingTurn()
	if !ok || cur.ID != second.ID {
		t.Errorf("CurrentStreamingTurn() = %+v, want %s", cur, second.ID)
	}

	live := 0
	for _, turn := range s.Turns() {
		if turn.Pending() {
			live++
		}
	}
	if live != 1 {
		t.Errorf("live streaming turns = %d, want 1", live)
	}
}

func TestFail(t *testing.T) {
	s := session.New("s1")
	at := s.AppendUserTurn("hello", nil)
	s.AppendChunk(at.ID, "part")

	if !s.Fail(at.ID) {
		t.Fatal("Fail() = false, want true")
	}
	got, _ := s.Turn(at.ID)
	if got.Streaming || got.Text != "part" {
		t.Errorf("failed turn = %+v, want stopped turn with text part", got)
	}
	if s.Fail(at.ID) {
		t.Error("second Fail() should be a no-op")
	}
}

func TestHistory(t *testing.T) {
	s := session.New("s1")

	a1 := s.AppendUserTurn("q1", nil)
	s.Finalize(a1.ID, "a1", nil)

	// Superseded: the user turn loses its pair because the assistant turn is still streaming.
	s.AppendUserTurn("q2", nil)

	a3 := s.AppendUserTurn("q3", nil)
	s.AppendChunk(a3.ID, "partial")
	s.Fail(a3.ID)

	s.AppendUserTurn("q4", nil)

	got := s.History()
	want := []models.Exchange{
		{User: "q1", Assistant: "a1"},
		{User: "q3", Assistant: "partial"},
	}
	if len(got) != len(want) {
		t.Fatalf("History() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("History()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBeginRequest(t *testing.T) {
	s := session.New("s1")

	ctx1, cancel1 := context.WithCancel(context.Background())
	r1 := s.BeginRequest(cancel1, "one", nil)
	if !s.Busy() {
		t.Error("Busy() should be true after BeginRequest")
	}
	if len(r1.History) != 0 {
		t.Errorf("first request history = %+v, want empty", r1.History)
	}
	if r1.UserTurn.Text != "one" || r1.Turn.Author != models.AuthorAssistant {
		t.Errorf("first request turns = %+v / %+v", r1.UserTurn, r1.Turn)
	}
	s.AppendChunk(r1.Turn.ID, "uno")
	s.Finalize(r1.Turn.ID, "uno", nil)
	s.EndRequest(r1.ID)
	if s.Busy() {
		t.Error("Busy() should be false after EndRequest")
	}

	_, cancel2 := context.WithCancel(context.Background())
	r2 := s.BeginRequest(cancel2, "two", nil)
	if len(r2.History) != 1 || r2.History[0].Assistant != "uno" {
		t.Errorf("second request history = %+v", r2.History)
	}

	_, cancel3 := context.WithCancel(context.Background())
	r3 := s.BeginRequest(cancel3, "three", nil)

	// The first request was already released, so the store never cancels it.
	if errors.Is(ctx1.Err(), context.Canceled) {
		t.Error("released request should not be cancelled")
	}

	if r3.Superseded != r2.Turn.ID {
		t.Errorf("third request superseded = %q, want %q", r3.Superseded, r2.Turn.ID)
	}
	old, _ := s.Turn(r2.Turn.ID)
	if !old.Superseded {
		t.Error("second request turn should be superseded by the third")
	}

	// A stale EndRequest must not release the newer handle.
	s.EndRequest(r2.ID)
	if !s.Busy() {
		t.Error("stale EndRequest() should not release the active request")
	}
	s.EndRequest(r3.ID)
	if s.Busy() {
		t.Error("Busy() should be false after EndRequest")
	}
}

func TestBeginRequestCancelsPrevious(t *testing.T) {
	s := session.New("s1")

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	s.BeginRequest(cancel1, "one", nil)

	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	s.BeginRequest(cancel2, "two", nil)

	if !errors.Is(ctx1.Err(), context.Canceled) {
		t.Errorf("previous request context err = %v, want context.Canceled", ctx1.Err())
	}
}

func TestCancelRequest(t *testing.T) {
	s := session.New("s1")
	if _, ok := s.CancelRequest(); ok {
		t.Error("CancelRequest() without request should return false")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := s.BeginRequest(cancel, "one", nil)
	s.AppendChunk(r.Turn.ID, "par")

	turnID, ok := s.CancelRequest()
	if !ok {
		t.Fatal("CancelRequest() = false, want true")
	}
	if turnID != r.Turn.ID {
		t.Errorf("CancelRequest() turn = %s, want %s", turnID, r.Turn.ID)
	}
	if ctx.Err() == nil {
		t.Error("request context should be cancelled")
	}
	got, _ := s.Turn(r.Turn.ID)
	if !got.Superseded || got.Text != "par" {
		t.Errorf("cancelled turn = %+v", got)
	}
	if _, ok := s.CurrentStreamingTurn(); ok {
		t.Error("CurrentStreamingTurn() should be empty after cancel")
	}
}

func TestTurnsSnapshot(t *testing.T) {
	s := session.New("s1")
	at := s.AppendUserTurn("hello", nil)
	s.Finalize(at.ID, "hi", []models.Image{{Src: "a"}})

	turns := s.Turns()
	turns[1].Images[0].Src = "mutated"
	turns[1].Text = strings.ToUpper(turns[1].Text)

	got, _ := s.Turn(at.ID)
	if got.Images[0].Src != "a" || got.Text != "hi" {
		t.Errorf("Turns() should return copies, store turn = %+v", got)
	}
}

func TestRegistry(t *testing.T) {
	r := session.NewRegistry()
	s := r.Create()

	got, err := r.Get(s.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != s {
		t.Error("Get() returned a different store")
	}

	if _, err := r.Get("missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrSessionNotFound", err)
	}

	removed, err := r.Remove(s.ID())
	if err != nil || removed != s {
		t.Fatalf("Remove() = %v, %v, want the created store", removed, err)
	}
	if _, err := r.Get(s.ID()); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Get() after Remove() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := r.Remove(s.ID()); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("second Remove() error = %v, want ErrSessionNotFound", err)
	}

	s = r.Create()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.BeginRequest(cancel, "q", nil)

	r.Close()
	if ctx.Err() == nil {
		t.Error("Close() should cancel in-flight requests")
	}
	if _, err := r.Get(s.ID()); err == nil {
		t.Error("Get() after Close() should fail")
	}
}
