// Command contactscached is a small demo driver that runs a
// full sync followed by a delta sync against an in-memory store and
// prints the resulting summaries and listing, ported from the
// reference DemoMain. It exists to exercise the engine end to end from
// the command line, the way cmd/spilld/main.go exercises spilldb.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/google/uuid"

	"github.com/autotech-aaos/contactscache/contactscache/model"
	"github.com/autotech-aaos/contactscache/contactscache/store/memstore"
	"github.com/autotech-aaos/contactscache/contactscache/sync"
)

func main() {
	log.SetFlags(0)

	flagSourceDevice := flag.String("source_device", "", "source_device identifier to use for the demo run (default: a generated demo id)")
	flag.Parse()

	sourceDevice := *flagSourceDevice
	if sourceDevice == "" {
		sourceDevice = "demo-" + uuid.NewString()
	}

	log.Printf("contactscached demo, source_device=%s", sourceDevice)

	ctx := context.Background()
	engine := sync.New(memstore.New())
	engine.Logf = log.Printf

	fullSummary, err := engine.ApplyFullSync(ctx, sourceDevice, []model.RawContact{
		{
			ExternalContactID:    "c1",
			DisplayName:          "Alex Kim",
			Phones:               []string{"+1-555-0100"},
			Emails:               []string{"alex@example.com"},
			SourceVersion:        1,
			SourceLastModifiedMs: 100,
		},
		{
			ExternalContactID:    "c2",
			DisplayName:          "Priya Raman",
			Phones:               []string{"+1-555-0122"},
			Emails:               []string{"priya@example.com"},
			SourceVersion:        1,
			SourceLastModifiedMs: 100,
		},
	}, &model.SyncMetadata{
		SyncToken:          "token-" + uuid.NewString(),
		SourceSyncSequence: 1,
		CompleteSnapshot:   true,
	})
	if err != nil {
		log.Fatalf("full sync failed: %v", err)
	}
	log.Printf("full sync: %s", fullSummary)

	deltaSummary, err := engine.ApplyDeltaSync(ctx, sourceDevice,
		[]model.RawContact{
			{
				ExternalContactID:    "c2",
				DisplayName:          "Priya Raman",
				Phones:               []string{"+1-555-9999"},
				Emails:               []string{"priya@example.com"},
				SourceVersion:        2,
				SourceLastModifiedMs: 200,
			},
		},
		[]string{"c1"},
		&model.SyncMetadata{
			SyncToken:          "token-" + uuid.NewString(),
			SourceSyncSequence: 2,
		},
	)
	if err != nil {
		log.Fatalf("delta sync failed: %v", err)
	}
	log.Printf("delta sync: %s", deltaSummary)

	contacts, err := engine.Store.ListActiveContacts(ctx, sourceDevice, "", 50)
	if err != nil {
		log.Fatalf("list active contacts failed: %v", err)
	}
	for _, c := range contacts {
		log.Printf("%s -> %v", c.DisplayName, c.Phones)
	}
}
