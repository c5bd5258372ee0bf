package requestseq

import (
	"sync"
	"testing"
)

func TestNewerTicketSupersedesOlder(t *testing.T) {
	tr := New()
	first := tr.Issue("thread:a")
	second := tr.Issue("thread:a")

	if first.Current() {
		t.Fatal("older ticket must be stale once a newer one is issued")
	}
	if !second.Current() {
		t.Fatal("newest ticket must be current")
	}
	if second.Seq <= first.Seq {
		t.Fatalf("sequence must be monotonic: %d then %d", first.Seq, second.Seq)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	tr := New()
	a := tr.Issue("thread:a")
	tr.Issue("thread:b")
	if !a.Current() {
		t.Fatal("issuing for another key must not supersede")
	}
	if tr.Latest("thread:missing") != 0 {
		t.Fatal("unknown key must report zero")
	}
}

func TestZeroTicketIsNeverCurrent(t *testing.T) {
	if (Ticket{}).Current() {
		t.Fatal("zero ticket must not be current")
	}
}

func TestConcurrentIssueIsMonotonic(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Issue("directory")
		}()
	}
	wg.Wait()
	if got := tr.Latest("directory"); got != 50 {
		t.Fatalf("expected 50 issued tickets, got %d", got)
	}
}
