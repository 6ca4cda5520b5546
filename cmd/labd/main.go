// Command labd is the entry point for the lab control-plane daemon: it
// wires the resource store, allocator, provisioning workflow, booking
// coordinator, and mailbox into one process and serves the callback +
// status HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/labforge/labctl/internal/adapters/identity"
	"github.com/labforge/labctl/internal/adapters/installer"
	"github.com/labforge/labctl/internal/adapters/ipmi"
	"github.com/labforge/labctl/internal/adapters/notifier"
	"github.com/labforge/labctl/internal/adapters/switchapi"
	"github.com/labforge/labctl/internal/allocator"
	"github.com/labforge/labctl/internal/config"
	"github.com/labforge/labctl/internal/coordinator"
	"github.com/labforge/labctl/internal/credentials"
	"github.com/labforge/labctl/internal/events"
	"github.com/labforge/labctl/internal/logger"
	"github.com/labforge/labctl/internal/mailbox"
	"github.com/labforge/labctl/internal/store"
	"github.com/labforge/labctl/internal/workflow"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "/etc/labctl/config.yaml", "path to the fleet configuration file")
	addr := flag.String("addr", ":8443", "address the mailbox/status HTTP server listens on")
	dev := flag.Bool("dev", false, "enable development logging (console, debug level)")
	flag.Parse()

	if *dev {
		logger.Init(logger.DevelopmentConfig())
	} else {
		logger.Init(logger.DefaultConfig())
	}
	defer logger.Sync()

	if err := run(*configPath, *addr); err != nil {
		log.Fatalf("labd: %v", err)
	}
}

func run(configPath, addr string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Load fleet configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// 2. Open the Resource Store.
	db, err := store.Open(ctx, store.WithPath(cfg.DatabasePath))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	// 3. Credentials service for IPMI/identity password decryption.
	creds, err := credentials.NewServiceFromEnv()
	if err != nil {
		return fmt.Errorf("initializing credentials service: %w", err)
	}

	// 4. Mint the process-wide allocator token and construct the
	// Resource Allocator. MintToken panics if called twice; this is the
	// only call site in the process.
	alloc := allocator.New(allocator.MintToken(), db)

	// 5. Event bus and notifier. The notifier adapter is
	// fire-and-forget: delivery failures never propagate back to the
	// coordinator or workflow.
	bus, err := events.NewBus()
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer bus.Close()

	notify := notifier.New(newLogSink())
	if err := notify.Attach(bus); err != nil {
		return fmt.Errorf("attaching notifier: %w", err)
	}

	// 6. Mailbox and its HTTP server — the one HTTP surface labctl owns.
	mb := mailbox.New(addrToBaseURL(addr))
	mbServer := mailbox.NewServer(mb)
	mountStatusAPI(mbServer, db)

	// 7. External adapters. Each carries a circuit breaker: IPMI clients
	// are built per host and named after its BMC, while the switch,
	// installer and identity clients are built per lab, so one breaker
	// covers every switch (or server) of that lab.
	ipmiBinary := os.Getenv("LABCTL_IPMI_BINARY")
	ipmiFor := func(host store.Host) ipmi.Client {
		return ipmi.New(ipmiBinary, host.IPMI.FQDN)
	}

	switchUser := os.Getenv("LABCTL_SWITCH_USER")
	switchPass := os.Getenv("LABCTL_SWITCH_PASSWORD")

	logs := store.NewLogRepository()

	// 8. Build one Workflow and Coordinator per configured lab. Each
	// lab's workflow talks to that lab's installer/switch/identity
	// endpoints; the coordinator dispatches aggregates to the workflow
	// for the lab the aggregate belongs to.
	coords := make(map[string]*coordinator.Coordinator, len(cfg.Labs))
	for _, lab := range cfg.Labs {
		sw := switchapi.New(switchUser, switchPass, lab.Name)
		inst := installer.New(lab.InstallerBaseURL, lab.Name)

		var idp identity.Client
		if lab.IdentityBaseURL != "" {
			adminUser := os.Getenv("LABCTL_IDENTITY_ADMIN_USER")
			adminPW := os.Getenv("LABCTL_IDENTITY_ADMIN_PASSWORD")
			var rootCA []byte
			if caPath := os.Getenv("LABCTL_IDENTITY_ROOT_CA"); caPath != "" {
				rootCA, err = os.ReadFile(caPath)
				if err != nil {
					return fmt.Errorf("reading identity root CA for lab %s: %w", lab.Name, err)
				}
			}
			idp, err = identity.New(lab.IdentityBaseURL, adminUser, adminPW, rootCA, lab.Name)
			if err != nil {
				return fmt.Errorf("constructing identity client for lab %s: %w", lab.Name, err)
			}
		}

		wf := workflow.New(workflow.Deps{
			DB: db, Logs: logs, Mailbox: mb, IPMIFor: ipmiFor,
			Switch: sw, Installer: inst,
			ResolveVlan: vlanResolver(db), Credentials: creds,
			MgmtVlan: lab.MgmtVlan,
		})

		coords[lab.Name] = coordinator.New(coordinator.Deps{
			DB: db, Allocator: alloc, Workflow: wf, Bus: bus,
			Identity: idp, IsDynamicLab: cfg.IsDynamic,
		})
	}

	logger.L().Info("labd started", zap.String("addr", addr), zap.Int("labs", len(cfg.Labs)))

	// coords is held here, one per lab, for whatever booking-intake path
	// creates aggregates and calls Coordinator.Deploy — the interactive
	// operator surface lives outside this process, so labd itself only
	// serves the read-only status API and mailbox callbacks.
	_ = coords

	return mbServer.Start(addr)
}

// vlanResolver closes over db to satisfy netgen.VlanResolver by reading
// a vlan Resource straight out of the Resource Store.
func vlanResolver(db *store.Manager) func(store.HandleKey) (store.Vlan, error) {
	resources := store.NewResourceRepository()
	return func(h store.HandleKey) (store.Vlan, error) {
		tx, err := db.Begin(context.Background())
		if err != nil {
			return store.Vlan{}, err
		}
		defer tx.Rollback()

		handle, err := resources.Get(context.Background(), tx.Q(), h)
		if err != nil {
			return store.Vlan{}, err
		}
		if handle.Res.Vlan == nil {
			return store.Vlan{}, fmt.Errorf("handle %s is not a vlan resource", h)
		}
		return *handle.Res.Vlan, nil
	}
}

func addrToBaseURL(addr string) string {
	if addr[0] == ':' {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// logSink is the default notifier.Sink used when a lab has no richer
// notification channel (email, chat) configured: it just logs.
type logSink struct{}

func newLogSink() *logSink { return &logSink{} }

func (s *logSink) Send(ctx context.Context, ev events.Event) error {
	logger.L().Info("notification",
		zap.String("situation", string(ev.Situation)),
		zap.String("aggregate", ev.Aggregate),
		zap.String("detail", ev.Detail),
	)
	return nil
}
