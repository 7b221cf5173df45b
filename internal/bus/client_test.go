package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestJSONWithTokenAuth(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, Token: "secret"}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 1000}
	if _, err := Connect(context.Background(), cfg, testLogger()); err == nil {
		t.Fatal("expected connection without token to be refused")
	}

	cfg.Token = "secret"
	client, err := Connect(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	type echo struct {
		Text string `json:"text"`
	}
	sub, err := client.Conn().Subscribe("test.echo", func(msg *nats.Msg) {
		var in echo
		_ = json.Unmarshal(msg.Data, &in)
		data, _ := json.Marshal(echo{Text: in.Text + "!"})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out echo
	if err := client.RequestJSON(ctx, "test.echo", echo{Text: "hi"}, &out); err != nil {
		t.Fatalf("request: %v", err)
	}
	if out.Text != "hi!" {
		t.Fatalf("unexpected reply %q", out.Text)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, testLogger()); err == nil {
		t.Fatal("expected error")
	}
}
