package memory

import (
	"context"
	"testing"
)

type tagged struct {
	Comic string `json:"comic"`
}

func (t tagged) Attributes() map[string]string {
	return map[string]string{"comic": t.Comic}
}

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "releases", tagged{Comic: "xkcd"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "audit", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Data) != `{"comic":"xkcd"}` || msgs[0].Attributes["comic"] != "xkcd" {
		t.Fatalf("message not encoded correctly: %+v", msgs[0])
	}
	if got := pub.Topic("audit"); len(got) != 1 || string(got[0].Data) != `"payload"` {
		t.Fatalf("Topic(audit) = %+v", got)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New()
	if _, err := pub.Publish(context.Background(), "releases", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if len(pub.Messages()) != 0 {
		t.Fatal("failed publish must not be recorded")
	}
}
