package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestZMQNotifier_ListenCancelled(t *testing.T) {
	notifier, err := NewZMQNotifier("tcp://127.0.0.1:28332", discardLogger())
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}
	defer func() { _ = notifier.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = notifier.Listen(ctx, func(string, []byte) error {
		t.Error("no message expected")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Listen() = %v, want context.DeadlineExceeded", err)
	}
}

func TestZMQNotifier_ConnectInvalidEndpoint(t *testing.T) {
	notifier, err := NewZMQNotifier("invalid://endpoint", discardLogger())
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}
	defer func() { _ = notifier.Close() }()

	if err := notifier.Connect(); err == nil {
		t.Error("Connect() expected error for invalid endpoint")
	}
}

func TestZMQNotifier_ReceivesHashBlock(t *testing.T) {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = pub.Close() }()
	if err := pub.Bind("tcp://127.0.0.1:*"); err != nil {
		t.Fatal(err)
	}
	endpoint, err := pub.GetLastEndpoint()
	if err != nil {
		t.Fatal(err)
	}

	notifier, err := NewZMQNotifier(endpoint, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = notifier.Close() }()
	if err := notifier.Subscribe("hashblock"); err != nil {
		t.Fatal(err)
	}
	if err := notifier.Connect(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hash := bytes.Repeat([]byte{0xab}, 32)
	go func() {
		// subscribers join late, keep publishing until one is heard
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = pub.SendMessage("hashblock", hash, []byte{0, 0, 0, 0})
			}
		}
	}()

	handler := NewBlockNotificationHandler(discardLogger())
	var got string
	handler.SetNewBlockHandler(func(blockHash string) error {
		got = blockHash
		cancel()
		return nil
	})

	_ = notifier.Listen(ctx, handler.HandleMessage)
	if got != hex.EncodeToString(hash) {
		t.Errorf("received hash %q, want %q", got, hex.EncodeToString(hash))
	}
}

func TestBlockNotificationHandler_HandleMessage(t *testing.T) {
	tests := []struct {
		name       string
		topic      string
		data       []byte
		wantErr    bool
		wantCalled bool
	}{
		{"hashblock", "hashblock", bytes.Repeat([]byte{1}, 32), false, true},
		{"short hashblock", "hashblock", []byte{1, 2, 3}, true, false},
		{"rawblock ignored", "rawblock", []byte{0xde, 0xad}, false, false},
		{"unknown topic", "sequence", []byte{0}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewBlockNotificationHandler(discardLogger())
			called := false
			handler.SetNewBlockHandler(func(string) error {
				called = true
				return nil
			})

			err := handler.HandleMessage(tt.topic, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if called != tt.wantCalled {
				t.Errorf("block handler called = %v, want %v", called, tt.wantCalled)
			}
		})
	}
}

func TestBlockNotificationHandler_PropagatesError(t *testing.T) {
	handler := NewBlockNotificationHandler(discardLogger())
	wantErr := errors.New("broadcast failed")
	handler.SetNewBlockHandler(func(string) error { return wantErr })

	if err := handler.HandleMessage("hashblock", make([]byte, 32)); !errors.Is(err, wantErr) {
		t.Errorf("HandleMessage() = %v, want %v", err, wantErr)
	}
}
