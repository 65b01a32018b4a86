package cursor

import (
	"testing"

	"github.com/deepforums/internal/localstore"
)

func TestAdvanceOnlyMovesForward(t *testing.T) {
	s := New(localstore.NewSession())
	if moved, err := s.Advance("global", "0002"); err != nil || !moved {
		t.Fatalf("first advance = %v, %v", moved, err)
	}
	if moved, _ := s.Advance("global", "0001"); moved {
		t.Fatal("cursor moved backwards")
	}
	if moved, _ := s.Advance("global", "0002"); moved {
		t.Fatal("cursor moved to the same key")
	}
	if moved, _ := s.Advance("global", ""); moved {
		t.Fatal("empty key moved the cursor")
	}
	if got, _ := s.Get("global"); got != "0002" {
		t.Fatalf("cursor = %q", got)
	}
	if _, ok := s.Get("a__b"); ok {
		t.Fatal("unrelated channel has a cursor")
	}
}

func TestSetOverwrites(t *testing.T) {
	s := New(localstore.NewSession())
	_ = s.Set("global", "0009")
	_ = s.Set("global", "0003")
	if got, _ := s.Get("global"); got != "0003" {
		t.Fatalf("cursor = %q", got)
	}
}
