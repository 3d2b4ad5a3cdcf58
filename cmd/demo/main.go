// Command demo connects to a realtime core server, subscribes to a single
// symbol's order book and ticker, and logs state changes to stdout. It
// exists to exercise session.Controller end-to-end; it is not part of the
// library surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alpacahq/dex-realtime-core/session"
	"github.com/alpacahq/dex-realtime-core/store"
)

func main() {
	baseURL := flag.String("url", "wss://example.invalid/realtime", "realtime server base URL")
	symbol := flag.String("symbol", "BTC_USD", "symbol to subscribe to")
	token := flag.String("token", "", "bearer token to present at connect time")
	flag.Parse()

	getToken := func(ctx context.Context) (string, error) {
		if *token == "" {
			return "", fmt.Errorf("no token configured; pass -token")
		}
		return *token, nil
	}

	ctrl := session.New(*baseURL, getToken)
	defer ctrl.Close()

	ctrl.Store.OnStateChange(func() {
		ob, ok := ctrl.Store.GetOrderbook(*symbol)
		if !ok {
			return
		}
		printOrderbook(ob)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	subCtx, subCancel := context.WithTimeout(ctx, 10*time.Second)
	defer subCancel()
	if err := ctrl.Transport.Subscribe(subCtx, store.ChannelMarketData, map[string]string{"symbol": *symbol}); err != nil {
		fmt.Fprintln(os.Stderr, "subscribe:", err)
		os.Exit(1)
	}

	<-ctx.Done()
}

func printOrderbook(ob store.Orderbook) {
	out, _ := json.Marshal(ob)
	fmt.Println(string(out))
}
