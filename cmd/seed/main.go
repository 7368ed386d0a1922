package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/database"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/services"
)

type attack struct {
	name    string
	kind    cerberus.EventKind
	ip      string
	payload cerberus.Payload
	repeat  int
}

var attacks = []attack{
	{
		name:    "sql injection",
		kind:    cerberus.KindAuth,
		ip:      "203.0.113.10",
		payload: cerberus.Payload{Method: "POST", Path: "/login", Body: "username=admin' OR 1=1--&password=x"},
		repeat:  1,
	},
	{
		name:    "union select",
		kind:    cerberus.KindAPI,
		ip:      "203.0.113.11",
		payload: cerberus.Payload{Method: "GET", Path: "/api/items?id=1 UNION SELECT password FROM users"},
		repeat:  1,
	},
	{
		name:    "cross-site scripting",
		kind:    cerberus.KindRequest,
		ip:      "203.0.113.20",
		payload: cerberus.Payload{Method: "POST", Path: "/comments", Body: "<script>alert(document.cookie)</script>"},
		repeat:  3,
	},
	{
		name:    "path traversal",
		kind:    cerberus.KindRequest,
		ip:      "203.0.113.30",
		payload: cerberus.Payload{Method: "GET", Path: "/static/../../etc/passwd"},
		repeat:  2,
	},
	{
		name:    "command injection",
		kind:    cerberus.KindAPI,
		ip:      "203.0.113.40",
		payload: cerberus.Payload{Method: "POST", Path: "/api/ping", Body: "host=127.0.0.1; cat /etc/shadow"},
		repeat:  1,
	},
	{
		name:    "volumetric burst",
		kind:    cerberus.KindNetwork,
		ip:      "203.0.113.50",
		payload: cerberus.Payload{Method: "GET", Path: "/"},
		repeat:  150,
	},
	{
		name:    "benign traffic",
		kind:    cerberus.KindRequest,
		ip:      "198.51.100.7",
		payload: cerberus.Payload{Method: "GET", Path: "/products?page=2"},
		repeat:  20,
	},
}

func main() {
	dbPath := flag.String("db", "./data/cerberus.db", "sqlite database to seed")
	withProvider := flag.Bool("provider", true, "seed a disabled sample webhook provider")
	flag.Parse()

	logger.Init(false, os.Stderr)

	db, err := database.Connect(*dbPath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	fmt.Println("✓ Database migrated successfully")

	ctx := context.Background()
	notifications := services.NewNotificationService(db)

	if *withProvider {
		seedProvider(notifications)
	}

	security := services.NewSecurityService(db)
	adapter := services.NewEngineAdapter(security, notifications, 0)
	engine, err := cerberus.New(config.DefaultPolicy(), cerberus.WithStore(adapter), cerberus.WithAlerter(adapter))
	if err != nil {
		log.Fatal("Failed to create engine:", err)
	}
	if _, err := engine.Restore(ctx); err != nil {
		log.Printf("Failed to restore blocks: %v", err)
	}

	for _, a := range attacks {
		blocked := 0
		for i := 0; i < a.repeat; i++ {
			v := engine.Submit(cerberus.SecurityEvent{
				Timestamp: time.Now(),
				Kind:      a.kind,
				Source:    cerberus.Source{IP: a.ip, UserAgent: "cerberus-seed"},
				Payload:   a.payload,
			})
			if v.Blocked() {
				blocked++
			}
		}
		fmt.Printf("✓ Replayed %-20s %4d events from %-15s blocked=%d\n", a.name, a.repeat, a.ip, blocked)
	}

	engine.FlushBacklog()
	engine.Stop()

	report, err := json.MarshalIndent(engine.Metrics(), "", "  ")
	if err != nil {
		log.Fatal("Failed to encode report:", err)
	}
	fmt.Println("\nSLO report:")
	fmt.Println(string(report))

	active, err := security.ListActiveBlocks(ctx, time.Now())
	if err != nil {
		log.Printf("Failed to list persisted blocks: %v", err)
	} else {
		fmt.Printf("\n✓ %d blocks persisted\n", len(active))
	}
	fmt.Println("\n✓ Database seeding completed successfully!")
}

func seedProvider(svc *services.NotificationService) {
	providers, err := svc.ListProviders()
	if err != nil {
		log.Printf("Failed to list providers: %v", err)
		return
	}
	for _, p := range providers {
		if p.Name == "Sample Webhook" {
			fmt.Printf("  Provider already exists: %s\n", p.Name)
			return
		}
	}
	provider := &models.NotificationProvider{
		Name:          "Sample Webhook",
		Type:          "webhook",
		URL:           "https://hooks.example.com/cerberus",
		Template:      "detailed",
		Enabled:       false,
		NotifyThreats: true,
		NotifyBlocks:  true,
		MinSeverity:   "high",
	}
	if err := svc.CreateProvider(provider); err != nil {
		log.Printf("Failed to seed provider: %v", err)
		return
	}
	fmt.Printf("✓ Created provider: %s\n", provider.Name)
}
