package embed

import "testing"

func TestHashingDeterministic(t *testing.T) {
	e := NewHashing(0)
	a := e.Encode([]string{"Captain Nemo submarine voyage"})[0]
	b := e.Encode([]string{"Captain Nemo submarine voyage"})[0]
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d", i)
		}
	}
	if len(a) != e.Dim() {
		t.Fatalf("dim: got %d, want %d", len(a), e.Dim())
	}
}

func TestHashingSimilarityOrdering(t *testing.T) {
	e := NewHashing(0)
	vecs := e.Encode([]string{
		"submarine",
		"Captain Nemo submarine voyage",
		"quarterly tax report",
	})
	overlap := Cosine(vecs[0], vecs[1])
	disjoint := Cosine(vecs[0], vecs[2])
	if overlap <= 0 {
		t.Errorf("shared-token similarity should be positive, got %f", overlap)
	}
	if overlap <= disjoint {
		t.Errorf("overlap %f should beat disjoint %f", overlap, disjoint)
	}
}

func TestHashingNormalized(t *testing.T) {
	e := NewHashing(0)
	v := e.Encode([]string{"some text with several tokens"})[0]
	if got := Cosine(v, v); got < 0.999 || got > 1.001 {
		t.Errorf("self-similarity: got %f, want 1", got)
	}
}

func TestHashingEmptyText(t *testing.T) {
	e := NewHashing(0)
	v := e.Encode([]string{""})[0]
	for i, x := range v {
		if x != 0 {
			t.Fatalf("empty text should embed to zero vector, nonzero at %d", i)
		}
	}
}

func TestNewFactory(t *testing.T) {
	if _, err := New("default"); err != nil {
		t.Errorf("default: %v", err)
	}
	if _, err := New(""); err != nil {
		t.Errorf("empty: %v", err)
	}
	if _, err := New("warpdrive"); err == nil {
		t.Error("unknown type should fail")
	}
}
