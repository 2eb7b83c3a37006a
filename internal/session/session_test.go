package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/carecall/internal/schema"
)

func sample() Context {
	a := schema.Analysis{Summary: "fall", NotificationsRequired: []string{"Supervisor"}}
	a.Normalize()
	return Context{
		Transcript: "I fell",
		Analysis:   a,
		Report:     schema.Document{"location": "Bedroom", "first_aid_administered": false},
		Email:      schema.Document{"to": []string{"supervisor@emmacare.com"}, "subject": "Fall"},
	}
}

func TestPutGet(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("a"); ok {
		t.Fatal("empty store should have no context")
	}
	stored := s.Put("a", sample())
	if stored.Version != 1 || stored.SessionID != "a" || stored.CreatedAt.IsZero() {
		t.Errorf("stored = %+v", stored)
	}
	got, ok := s.Get("a")
	if !ok || got.Transcript != "I fell" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d", s.Len())
	}

	again := s.Put("a", sample())
	if again.Version != 2 {
		t.Errorf("replacement version = %d, want 2", again.Version)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Put("a", sample())

	got, _ := s.Get("a")
	got.Report["location"] = "Kitchen"
	got.Email["to"] = append(got.Email.List("to"), "x@example.com")
	got.Analysis.NotificationsRequired[0] = "Nobody"

	again, _ := s.Get("a")
	if again.Report.String("location") != "Bedroom" {
		t.Error("report shared with caller")
	}
	if len(again.Email.List("to")) != 1 {
		t.Error("email shared with caller")
	}
	if again.Analysis.NotificationsRequired[0] != "Supervisor" {
		t.Error("analysis shared with caller")
	}
}

func TestUpdate(t *testing.T) {
	s := NewStore()
	if _, err := s.Update("missing", func(*Context) error { return nil }); !errors.Is(err, ErrNoContext) {
		t.Fatalf("err = %v, want ErrNoContext", err)
	}

	first := s.Put("a", sample())
	updated, err := s.Update("a", func(c *Context) error {
		c.Report["first_aid_administered"] = true
		c.LastUpdateType = "incident_report"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != first.Version+1 || !updated.Report.Bool("first_aid_administered") {
		t.Errorf("updated = %+v", updated)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt should be preserved")
	}
}

func TestUpdateErrorCommitsNothing(t *testing.T) {
	s := NewStore()
	s.Put("a", sample())
	boom := errors.New("boom")
	_, err := s.Update("a", func(c *Context) error {
		c.Transcript = "changed"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := s.Get("a")
	if got.Transcript != "I fell" || got.Version != 1 {
		t.Errorf("context changed after failed update: %+v", got)
	}
}

func TestClear(t *testing.T) {
	s := NewStore()
	s.Put("a", sample())
	if !s.Clear("a") {
		t.Error("Clear should report an existing context")
	}
	if s.Clear("a") {
		t.Error("second Clear should report nothing")
	}
	if _, ok := s.Get("a"); ok || s.Len() != 0 {
		t.Error("context should be gone")
	}
}

func TestClearDuringUpdate(t *testing.T) {
	s := NewStore()
	s.Put("a", sample())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		_, err := s.Update("a", func(c *Context) error {
			close(started)
			<-release
			c.Transcript = "late"
			return nil
		})
		done <- err
	}()
	<-started
	cleared := make(chan bool)
	go func() { cleared <- s.Clear("a") }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	if err := <-done; !errors.Is(err, ErrNoContext) {
		t.Errorf("update after clear: err = %v", err)
	}
	if !<-cleared {
		t.Error("Clear should report the context it removed")
	}
	if _, ok := s.Get("a"); ok {
		t.Error("cleared context must not be resurrected")
	}
}

// Concurrent updates to one session are serialized: no update is lost and
// versions increase by exactly one per update.
func TestConcurrentSameSessionUpdates(t *testing.T) {
	s := NewStore()
	s.Put("a", Context{Report: schema.Document{"count": "0"}})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update("a", func(c *Context) error {
				var count int
				fmt.Sscan(c.Report.String("count"), &count)
				c.Report["count"] = fmt.Sprint(count + 1)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get("a")
	if got.Report.String("count") != fmt.Sprint(n) {
		t.Errorf("count = %s, want %d", got.Report.String("count"), n)
	}
	if got.Version != n+1 {
		t.Errorf("version = %d, want %d", got.Version, n+1)
	}
}

func TestDifferentSessionsIndependent(t *testing.T) {
	s := NewStore()
	s.Put("a", sample())
	s.Put("b", sample())

	release := make(chan struct{})
	go s.Update("a", func(*Context) error {
		<-release
		return nil
	})
	defer close(release)

	done := make(chan struct{})
	go func() {
		s.Update("b", func(c *Context) error { c.Transcript = "b"; return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update of session b blocked behind session a")
	}
}
