package cache

import (
	"context"
	"testing"
	"time"

	"github.com/johbar/scan-ocr-service/internal/cache/nats"
	"github.com/johbar/scan-ocr-service/internal/config"
)

func TestKey(t *testing.T) {
	img := []byte("pixels")
	k := Key(img, "eng", map[string]int{"psm": 3})
	if len(k) != 64 {
		t.Fatalf("want hex sha256, got %q", k)
	}
	if k != Key(img, "eng", map[string]int{"psm": 3}) {
		t.Error("key must be deterministic")
	}
	for name, other := range map[string]string{
		"language": Key(img, "deu", map[string]int{"psm": 3}),
		"options":  Key(img, "eng", map[string]int{"psm": 6}),
		"image":    Key([]byte("other"), "eng", map[string]int{"psm": 3}),
	} {
		if other == k {
			t.Errorf("changing the %s must change the key", name)
		}
	}
}

func TestNopCache(t *testing.T) {
	var c Cache = &NopCache{}
	if err := c.Save(context.Background(), "k", &Result{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	r, err := c.Get(context.Background(), "k")
	if r != nil || err != nil {
		t.Errorf("want nothing, got %v %v", r, err)
	}
}

func TestObjectStoreCache(t *testing.T) {
	conf := &config.ScanConfig{
		EmbedNats:          true,
		NatsStoreDir:       t.TempDir(),
		NatsMaxPayload:     1 << 20,
		Bucket:             "TEST_RESULTS",
		Replicas:           1,
		NatsConnectRetries: 1,
	}
	nc, err := nats.SetupNatsConnection(conf, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	c, err := New(conf, nil, nc)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := Key([]byte("img"), "eng", nil)

	got, err := c.Get(ctx, key)
	if err != nil || got != nil {
		t.Fatalf("want miss, got %v %v", got, err)
	}
	want := &Result{Text: "Hello\nworld", Confidence: 87.5, Language: "eng", Words: 2, Duration: 1500 * time.Millisecond}
	if err := c.Save(ctx, key, want); err != nil {
		t.Fatal(err)
	}
	got, err = c.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
