package transport

import (
	"net"
	"testing"
	"time"

	"github.com/openfam/famsvc/famerr"
)

type echoArgs struct {
	Msg string `json:"msg"`
}

type echoResult struct {
	Echoed string `json:"echoed"`
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(ln, nil)
	srv.Handle("echo", func(body []byte) (interface{}, error) {
		var a echoArgs
		if err := Decode(body, &a); err != nil {
			return nil, err
		}
		return echoResult{Echoed: a.Msg}, nil
	})
	srv.Handle("fail", func(body []byte) (interface{}, error) {
		return nil, famerr.New("fail", famerr.NotFound, "nope")
	})
	go srv.Serve()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestCallRoundTrip(t *testing.T) {
	addr := startEchoServer(t)
	c, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var res echoResult
	if err := c.Call("echo", echoArgs{Msg: "hello"}, &res); err != nil {
		t.Fatal(err)
	}
	if res.Echoed != "hello" {
		t.Fatalf("unexpected echo: %+v", res)
	}
}

func TestCallErrorTranslation(t *testing.T) {
	addr := startEchoServer(t)
	c, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Call("fail", echoArgs{}, nil)
	if famerr.KindOf(err) != famerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCallUnknownOp(t *testing.T) {
	addr := startEchoServer(t)
	c, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Call("bogus", echoArgs{}, nil)
	if famerr.KindOf(err) != famerr.Unimplemented {
		t.Fatalf("expected Unimplemented, got %v", err)
	}
}
