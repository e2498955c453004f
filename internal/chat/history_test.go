package chat

import "testing"

func TestSingleImagePerDirection(t *testing.T) {
	h := NewHistory(10)
	h.Add(NewText(Received, "hi"))
	first := NewImage(Received, "data:image/gif;base64,AAAA")
	if removed := h.Add(first); len(removed) != 0 {
		t.Fatalf("nothing should be evicted yet, got %v", removed)
	}
	mine := NewImage(Sent, "data:image/jpeg;base64,BBBB")
	h.Add(mine)

	second := NewImage(Received, "data:image/gif;base64,CCCC")
	removed := h.Add(second)
	if len(removed) != 1 || removed[0].ID != first.ID {
		t.Fatalf("expected the first received image to be evicted, got %v", removed)
	}

	got := h.Images(Received)
	if len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("received images = %v", got)
	}
	if sent := h.Images(Sent); len(sent) != 1 || sent[0].ID != mine.ID {
		t.Fatalf("sent image should be untouched, got %v", sent)
	}
	if n := len(h.Entries()); n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}
}

func TestDuplicateImageRerenders(t *testing.T) {
	h := NewHistory(4)
	url := "data:image/gif;base64,AAAA"
	h.Add(NewImage(Received, url))
	h.Add(NewImage(Received, url))
	if got := h.Images(Received); len(got) != 1 || got[0].DataURL != url {
		t.Fatalf("duplicate delivery should leave a single image, got %v", got)
	}
}
