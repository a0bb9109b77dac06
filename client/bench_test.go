package client

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"duplex-rpc/message"
	"duplex-rpc/protocol"
	"duplex-rpc/server"
	"duplex-rpc/service"
	"duplex-rpc/transport"
)

func setupServerAndClient(b *testing.B) *Client {
	d := service.New()
	if err := d.Register("Computing", &Computing{}); err != nil {
		b.Fatal(err)
	}
	svr := server.New(d)
	l, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go svr.Serve(l)

	reg := NewRegistry()
	b.Cleanup(func() {
		reg.Close()
		svr.Shutdown(3 * time.Second)
	})
	return New(reg, "Computing", transport.TCP(l.Addr()))
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b)
	var sum float64
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(context.Background(), "AddFloat", &sum, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var sum float64
		for pb.Next() {
			if err := cli.Call(context.Background(), "AddFloat", &sum, 1, 2); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: 帧编解码（不走网络）
func BenchmarkFrameRoundTrip(b *testing.B) {
	body, err := json.Marshal(&message.Request{
		Endpoint:   "Computing",
		Id:         "1",
		MethodName: "AddFloat",
		Parameters: []json.RawMessage{json.RawMessage(`1.23`), json.RawMessage(`4.56`)},
	})
	if err != nil {
		b.Fatal(err)
	}
	f := &protocol.Frame{Type: protocol.FrameRequest, Body: body}
	var buf bytes.Buffer

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := protocol.Encode(&buf, f); err != nil {
			b.Fatal(err)
		}
		out, err := protocol.Decode(&buf, protocol.DefaultLimits())
		if err != nil {
			b.Fatal(err)
		}
		var req message.Request
		if err := json.Unmarshal(out.Body, &req); err != nil {
			b.Fatal(err)
		}
	}
}
