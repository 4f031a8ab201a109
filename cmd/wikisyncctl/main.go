package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/BurningTreeC/wikisync"
)

const WikiSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Wikisync control.

Runs a standalone replica against a peer coordinator.
The replica's sidecar config (<wiki>.sync.yaml) provides the backend url
and device token unless overridden.

Usage:
    wikisyncctl run --wiki=<wiki> [--db=<db>] [--backend_url=<backend_url>] [--token=<token>] [--verbose]
    wikisyncctl fingerprints --wiki=<wiki> [--db=<db>]
    wikisyncctl id

Options:
    --wiki=<wiki>                Path of the wiki replica.
    --db=<db>                    Store directory [default: <wiki>.sync.db].
    --backend_url=<backend_url>  Coordinator websocket url.
    --token=<token>              Device token.
    --verbose                    Verbose logging.
    -h --help                    Show this screen.
    --version                    Show version.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WikiSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if verbose, _ := opts.Bool("--verbose"); verbose {
		flag.Set("logtostderr", "true")
		flag.Set("stderrthreshold", "INFO")
		flag.Set("v", "2")
	}
	flag.Parse()

	if run, _ := opts.Bool("run"); run {
		runReplica(opts)
	} else if fingerprints, _ := opts.Bool("fingerprints"); fingerprints {
		printFingerprints(opts)
	} else if id, _ := opts.Bool("id"); id {
		Out.Printf("%s\n", wikisync.NewId())
	}
}

func openStore(opts docopt.Opts) (string, *wikisync.BadgerWikiStore) {
	wikiPath, _ := opts.String("--wiki")
	dbDir, _ := opts.String("--db")
	if dbDir == "" || dbDir == "<wiki>.sync.db" {
		dbDir = wikiPath + ".sync.db"
	}

	store, err := wikisync.NewBadgerWikiStore(dbDir)
	if err != nil {
		Err.Fatalf("open store error = %s", err)
	}
	return wikiPath, store
}

func runReplica(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wikiPath, store := openStore(opts)
	defer store.Close()

	config, err := wikisync.LoadWikiConfig(wikiPath)
	if err != nil {
		Err.Fatalf("load config error = %s", err)
	}

	backendUrl, _ := opts.String("--backend_url")
	if backendUrl == "" {
		backendUrl = config.BackendUrl
	}
	deviceToken, _ := opts.String("--token")
	if deviceToken == "" {
		deviceToken = config.DeviceToken
	}
	if backendUrl == "" || deviceToken == "" {
		Err.Fatalf("missing backend url or device token")
	}

	backend, err := wikisync.NewWsBackendWithDefaults(cancelCtx, backendUrl, deviceToken)
	if err != nil {
		Err.Fatalf("backend error = %s", err)
	}
	defer backend.Close()

	manager := wikisync.NewSyncManagerWithDefaults(cancelCtx, backend.DeviceId(), backend)
	defer manager.Close()

	session := manager.Activate(wikiPath, store)
	if session == nil {
		Err.Fatalf("no identity for %s", wikiPath)
	}
	Out.Printf("syncing %s as wiki %s\n", wikiPath, session.WikiId())

	if config.FilesDir != "" {
		transport := wikisync.NewQueuePollTransport(
			cancelCtx,
			wikisync.DefaultReplicaSessionSettings().Clock,
			backend,
			session.WikiId(),
			wikisync.DefaultPollTransportSettings(),
		)
		watcher, err := wikisync.NewAttachmentWatcher(
			cancelCtx,
			transport,
			config.FilesDir,
			wikisync.DefaultAttachmentWatcherSettings(),
		)
		if err != nil {
			Err.Printf("attachment watcher error = %s", err)
		} else {
			defer watcher.Close()
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	manager.Deactivate()
	Out.Printf("stopped\n")
}

func printFingerprints(opts docopt.Opts) {
	_, store := openStore(opts)
	defer store.Close()

	for _, title := range store.AllTitles() {
		if !wikisync.SyncableTitle(title) {
			continue
		}
		fields, ok := store.Get(title)
		if !ok {
			continue
		}
		Out.Printf("%s\t%s\n", title, fields[wikisync.FieldModified])
	}
	fmt.Fprintln(os.Stdout)
}
