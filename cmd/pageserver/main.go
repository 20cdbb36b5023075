// Package main is the pageserver process entrypoint: config load, remote
// adapter construction, and attach/deletion-queue wiring.
// This file parses flags, loads config, and runs the startup/shutdown
// sequence.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pageserver/pageserver/cluster"
	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/deletion"
	"github.com/pageserver/pageserver/tenant"
)

var configPath = flag.String("config", "", "path to the YAML config file; defaults built in if unset")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg := cmn.DefaultConfig()
	if *configPath != "" {
		loaded, err := cmn.LoadConfig(*configPath)
		if err != nil {
			cmn.Errf("load config: %v", err)
			return 1
		}
		cfg = loaded
	}
	cmn.GCOSet(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := buildAdapter(ctx, cfg.RemoteStorage)
	if err != nil {
		cmn.Errf("build remote adapter: %v", err)
		return 1
	}

	store, err := deletion.OpenStore(cfg.WorkDir + "/deletion.db")
	if err != nil {
		cmn.Errf("open deletion store: %v", err)
		return 1
	}
	defer store.Close()

	tenants := cluster.NewTenantsMap()
	deletionQueue := deletion.NewQueue(store, adapter, &mapAuthority{tenants: tenants})
	defer deletionQueue.Stop()

	// Startup recovery: re-validate any deletion
	// lists left over from a prior run. Until the control-plane client
	// supplies the attached-generation set,
	// recovery runs with none known, so every leftover entry is dropped as
	// stale rather than risk executing a deletion against a generation
	// this process can no longer vouch for.
	if err := deletionQueue.Recover(ctx, map[cmn.TenantShardId]cmn.Generation{}); err != nil {
		cmn.Errf("recover deletion queue: %v", err)
		return 1
	}

	// manager is the attach entrypoint the control-plane attach RPC calls into once a shard is assigned to this
	// process; holding it here is the wiring point a real request surface
	// would use.
	manager := tenant.NewManager(tenants, adapter, deletionQueue, cfg)
	manager.Root = ctx
	tenants.MarkOpen()

	cmn.Logf("pageserver started, work_dir=%s remote_kind=%s warmup_concurrency=%d",
		manager.Config.WorkDir, cfg.RemoteStorage.Kind, manager.Config.WarmupConcurrency)

	<-ctx.Done()
	cmn.Logf("shutting down")
	tenants.BeginShutdown()
	return 0
}
