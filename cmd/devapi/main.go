package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/you/pollcast/internal/kv"
)

func main() {
	var (
		addr          string
		sqlite        string
		token         string
		webhook       string
		webhookSecret string
		failAll       bool
	)

	flag.StringVar(&addr, "addr", ":8766", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "", "SQLite database path for recorded sends (empty keeps them in memory)")
	flag.StringVar(&token, "token", "", "Bot token to require on sendMessage (empty accepts any)")
	flag.StringVar(&webhook, "webhook", "http://localhost:8787/webhook", "pollcastd webhook URL used by /emit")
	flag.StringVar(&webhookSecret, "webhook-secret", "", "Secret sent with emitted updates")
	flag.BoolVar(&failAll, "fail", false, "Answer every sendMessage with ok=false")
	flag.Parse()

	var store kv.Store
	if sqlite == "" {
		store = kv.NewMemoryStore(nil)
	} else {
		s, err := kv.OpenSQLite(sqlite, nil)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer s.Close()
		if err := s.Ping(); err != nil {
			log.Fatalf("ping: %v", err)
		}
		store = s
	}

	bot := newFakeBot(store, botOptions{Token: token, Webhook: webhook, WebhookSecret: webhookSecret})
	bot.failAll = failAll

	log.Printf("devapi listening on %s (db=%q fail=%t)", addr, sqlite, failAll)
	log.Printf("devapi: point pollcastd at it with -telegram-api http://localhost%s", addr)

	if err := http.ListenAndServe(addr, bot.Handler()); err != nil {
		log.Fatal(err)
	}
}
