package process

import (
	"context"
	"strings"
	"testing"
	"time"

	"meshgate/internal/lease"
	"meshgate/internal/ptydevice"
)

func TestSpawnEchoesOutput(t *testing.T) {
	dev, err := ptydevice.Open()
	if err != nil {
		t.Skipf("pty unavailable in this environment: %v", err)
	}
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := Spawn(ctx, Options{Program: "/bin/echo", Args: []string{"hello-meshgate"}}, dev)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	var sb strings.Builder
	for item := range p.OutputStream() {
		switch item.Kind {
		case lease.KindData:
			sb.Write(item.Data)
		case lease.KindEOS:
		case lease.KindError:
		}
	}

	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !strings.Contains(sb.String(), "hello-meshgate") {
		t.Fatalf("expected output to contain echoed text, got %q", sb.String())
	}
}
