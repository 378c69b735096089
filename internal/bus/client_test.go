package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func TestJSONRoundTripOverEmbeddedServer(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, Token: "secret", ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), cfg, srv.ClientURL(), log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected connected client to be healthy")
	}

	if _, err := client.Subscribe("svc.echo", func(msg *nats.Msg) {
		var in map[string]int
		_ = json.Unmarshal(msg.Data, &in)
		_ = RespondJSON(msg, map[string]int{"n": in["n"] + 1})
	}); err != nil {
		t.Fatal(err)
	}

	got := make(chan *nats.Msg, 1)
	if _, err := client.Conn().ChanSubscribe("svc.events", got); err != nil {
		t.Fatal(err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	if err := client.PublishJSON("svc.events", map[string]string{"voice": "fa_IR-mana-medium"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if string(msg.Data) != `{"voice":"fa_IR-mana-medium"}` {
			t.Fatalf("unexpected payload %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published message not received")
	}

	reply, err := client.Conn().Request("svc.echo", []byte(`{"n":1}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply.Data) != `{"n":2}` {
		t.Fatalf("unexpected reply %s", reply.Data)
	}

	if err := client.PublishJSON("svc.events", func() {}); err == nil {
		t.Fatal("expected unencodable value to fail")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Connect(context.Background(), config.BusConfig{}, "", log); err == nil {
		t.Fatal("expected error without servers")
	}
}
