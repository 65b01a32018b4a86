package realtime

import (
	"errors"
	"testing"
	"time"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"/", 0, false},
		{"channels/global", 2, false},
		{"/profiles/alice/", 2, false},
		{"profiles/a.b", 0, true},
		{"a//b", 0, true},
		{"push/$x", 0, true},
	}
	for _, c := range cases {
		segs, err := Split(c.in)
		if c.wantErr {
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("Split(%q) err = %v, want ErrInvalidPath", c.in, err)
			}
			continue
		}
		if err != nil || len(segs) != c.want {
			t.Errorf("Split(%q) = %v, %v; want %d segments", c.in, segs, err, c.want)
		}
	}
}

func TestKeyGenOrdersWithinMillisecond(t *testing.T) {
	var g KeyGen
	now := time.UnixMilli(1700000000000)
	a := g.Next(now)
	b := g.Next(now)
	c := g.Next(now.Add(-time.Second))
	if !(a < b && b < c) {
		t.Fatalf("keys not increasing: %s %s %s", a, b, c)
	}
	if floor := KeyFloor(now); !(floor < a) {
		t.Fatalf("KeyFloor %s should sort before %s", floor, a)
	}
}

func TestKeyGenObserve(t *testing.T) {
	var g KeyGen
	g.Observe("1700000000000000007")
	if k := g.Next(time.UnixMilli(1600000000000)); k <= "1700000000000000007" {
		t.Fatalf("key %s should sort after observed key", k)
	}
}

func TestNormalizeResolvesServerTimestamp(t *testing.T) {
	v, err := Normalize(map[string]any{"online": true, "last": ServerTimestamp, "empty": map[string]any{}}, 42)
	if err != nil {
		t.Fatal(err)
	}
	m := v.(map[string]any)
	if m["last"] != float64(42) {
		t.Fatalf("last = %v, want 42", m["last"])
	}
	if _, ok := m["empty"]; ok {
		t.Fatal("empty objects should be pruned")
	}
}

func TestTreeSetRemovePrunesParents(t *testing.T) {
	tr := NewTree()
	tr.Set([]string{"a", "b", "c"}, "x")
	if got := tr.Get([]string{"a", "b", "c"}); got != "x" {
		t.Fatalf("Get = %v", got)
	}
	tr.Set([]string{"a", "b", "c"}, nil)
	if tr.Snapshot([]string{"a"}).Exists() {
		t.Fatal("removing the only leaf should remove empty parents")
	}
}

func TestFilterKeys(t *testing.T) {
	keys := []string{"1", "2", "3", "4"}
	if got := FilterKeys(keys, Query{StartAfter: "2"}); len(got) != 2 || got[0] != "3" {
		t.Fatalf("StartAfter: %v", got)
	}
	if got := FilterKeys(keys, Query{LimitToLast: 1}); len(got) != 1 || got[0] != "4" {
		t.Fatalf("LimitToLast: %v", got)
	}
}
