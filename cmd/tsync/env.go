package main

import (
	"context"
	"fmt"

	"github.com/beyondessential/tamanu-sync/internal/central"
	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/device"
	"github.com/beyondessential/tamanu-sync/internal/persist"
	"github.com/beyondessential/tamanu-sync/internal/schema"
	"github.com/beyondessential/tamanu-sync/internal/snapshot"
	"github.com/beyondessential/tamanu-sync/internal/sync"
)

// environment is everything a command needs to talk to the local store and
// the central server.
type environment struct {
	db       *db.DB
	registry *schema.Registry
	device   *device.File
	client   *central.Client
}

// openStore opens the database and builds the model registry.
func openStore(ctx context.Context) (*db.DB, *schema.Registry, error) {
	store, err := db.OpenWithOptions(cfg.Database.Path, db.Options{
		Driver:      cfg.Database.Driver,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	manifest, err := schema.LoadManifest(cfg.Database.Manifest)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	if err := manifest.Apply(ctx, store); err != nil {
		store.Close()
		return nil, nil, err
	}
	registry, err := schema.NewRegistry(ctx, store, manifest)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, registry, nil
}

// openEnvironment opens the store, the device file and a central client.
func openEnvironment(ctx context.Context) (*environment, error) {
	if err := cfg.ValidateForSync(); err != nil {
		return nil, err
	}

	dev, err := device.Open(cfg.Device.File)
	if err != nil {
		return nil, err
	}
	client, err := newClient(dev)
	if err != nil {
		return nil, err
	}

	store, registry, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return &environment{db: store, registry: registry, device: dev, client: client}, nil
}

func newClient(dev *device.File) (*central.Client, error) {
	return central.New(central.Config{
		BaseURL:       cfg.Server.URL,
		ClientVersion: cfg.Server.ClientVersion,
		DeviceID:      dev.DeviceID(),
		Timeout:       cfg.Server.Timeout,
		PullTimeout:   cfg.Server.PullTimeout,
		MaxAttempts:   cfg.Server.MaxAttempts,
		PollTimeout:   cfg.Server.PollTimeout,
		Logger:        logs.Logger("central"),
	}, dev)
}

// facilityIDs prefers configured facilities over the ones chosen at login.
func (e *environment) facilityIDs() []string {
	if len(cfg.Device.FacilityIDs) > 0 {
		return cfg.Device.FacilityIDs
	}
	return e.device.Identity().FacilityIDs
}

func (e *environment) manager() (*sync.Manager, error) {
	mgr, err := sync.NewManager(e.db, e.registry, e.client, sync.Options{
		FacilityIDs: e.facilityIDs(),
		Pull:        cfg.Pull,
		Push:        cfg.Push,
		Persist: persist.Options{
			MaxParams:       cfg.Persist.MaxParams,
			InsertBatchSize: cfg.Persist.InsertBatchSize,
			UpdateBatchSize: cfg.Persist.UpdateBatchSize,
		},
		Snapshot: snapshot.Options{
			SpillThreshold: cfg.Snapshot.SpillThreshold,
			SpillDir:       cfg.Snapshot.SpillDir,
		},
	}, logs.Logger("sync"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sync manager: %w", err)
	}
	return mgr, nil
}

func (e *environment) Close() error {
	return e.db.Close()
}
