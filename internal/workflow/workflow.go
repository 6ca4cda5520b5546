package workflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labforge/labctl/internal/adapters/installer"
	"github.com/labforge/labctl/internal/adapters/ipmi"
	"github.com/labforge/labctl/internal/adapters/switchapi"
	"github.com/labforge/labctl/internal/apperrors"
	"github.com/labforge/labctl/internal/credentials"
	"github.com/labforge/labctl/internal/mailbox"
	"github.com/labforge/labctl/internal/netgen"
	"github.com/labforge/labctl/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Workflow drives one host through the deploy state machine. It is
// stateless between Deploy calls; all durable state is the append-only
// log and the store rows Deploy reads and writes through its
// dependencies.
type Workflow struct {
	db          *store.Manager
	logs        *store.LogRepository
	mb          *mailbox.Mailbox
	ipmiFor     func(store.Host) ipmi.Client
	sw          switchapi.Client
	inst        installer.Client
	resolveVlan netgen.VlanResolver
	creds       *credentials.Service
	mgmtVlan    int

	log zerolog.Logger
}

// Deps bundles the collaborators a Workflow needs. IPMIFor lets the
// caller vary the IPMI client per host, so each BMC gets its own
// circuit breaker. MgmtVlan is the VLAN tag carrying the management/PXE
// network in dynamic labs; zero means no management VLAN is configured,
// in which case MgmtNetConfig disables the host's switch ports instead.
type Deps struct {
	DB          *store.Manager
	Logs        *store.LogRepository
	Mailbox     *mailbox.Mailbox
	IPMIFor     func(store.Host) ipmi.Client
	Switch      switchapi.Client
	Installer   installer.Client
	ResolveVlan netgen.VlanResolver
	Credentials *credentials.Service
	MgmtVlan    int
}

// New constructs a Workflow with a package-scoped zerolog logger bound
// once, rather than threaded through every call.
func New(d Deps) *Workflow {
	return &Workflow{
		db: d.DB, logs: d.Logs, mb: d.Mailbox, ipmiFor: d.IPMIFor,
		sw: d.Switch, inst: d.Installer, resolveVlan: d.ResolveVlan,
		creds:    d.Credentials,
		mgmtVlan: d.MgmtVlan,
		log:      log.With().Str("component", "workflow").Logger(),
	}
}

// ipmiEndpoint decrypts host.IPMI.Password (encrypted at rest) into the
// plaintext Endpoint the ipmi adapter needs for the call.
func (w *Workflow) ipmiEndpoint(host store.Host) (ipmi.Endpoint, error) {
	password := host.IPMI.Password
	if w.creds != nil {
		decrypted, err := w.creds.Decrypt(password)
		if err != nil {
			return ipmi.Endpoint{}, fmt.Errorf("decrypting ipmi credentials for %s: %w", host.Name, err)
		}
		password = decrypted
	}
	return ipmi.Endpoint{FQDN: host.IPMI.FQDN, Username: host.IPMI.Username, Password: password}, nil
}

// endpoints carries the mailbox callback URLs registered up front for
// one deploy attempt.
type endpoints struct {
	preImage      string
	postImage     string
	postBoot      string
	postProvision string
	preImageRecv  *mailbox.Receiver
	postImageRecv *mailbox.Receiver
	postBootRecv  *mailbox.Receiver
	postProvRecv  *mailbox.Receiver
}

// Deploy attempts exactly one provisioning pass against host for
// instance. The caller (the outer multi-attempt and multi-host loops,
// owned by internal/coordinator) decides whether to retry the same
// host or rotate to a different one — Deploy itself never retries the
// whole pipeline, only individual stages.
func (w *Workflow) Deploy(ctx context.Context, instance store.Instance, host store.Host, dynamicLab bool) error {
	variant := variantForImage(instance.Config.Image)
	ep, err := w.ipmiEndpoint(host)
	if err != nil {
		w.logEvent(ctx, instance.ID, "Start", store.SentimentFailed, err.Error())
		return apperrors.New(apperrors.ErrConfigurationError, "deploy", err.Error())
	}
	client := w.ipmiFor(host)

	w.logEvent(ctx, instance.ID, "Start", store.SentimentInProgress, fmt.Sprintf("host=%s variant=%d", host.Name, variant))

	gate, err := w.runMockGate(ctx, instance.ID.String())
	if err != nil {
		return err
	}
	switch gate {
	case mockGateSuccess:
		w.logEvent(ctx, instance.ID, "MockGate", store.SentimentSucceeded, "synthetic success")
		return nil
	case mockGateFailure:
		w.logEvent(ctx, instance.ID, "MockGate", store.SentimentFailed, "synthetic failure")
		return apperrors.New(apperrors.ErrTransportFailure, "mock_gate", instance.ID.String())
	}

	eps := w.registerEndpoints(instance.ID.String())
	w.logEvent(ctx, instance.ID, "Endpoints", store.SentimentInProgress, "")

	if err := w.cobblerSet(ctx, host, instance, eps); err != nil {
		w.logEvent(ctx, instance.ID, "CobblerSet", store.SentimentFailed, err.Error())
		return err
	}
	w.logEvent(ctx, instance.ID, "CobblerSet", store.SentimentSucceeded, "")

	if err := retryFor(ctx, 5, 10*time.Second, func() error {
		return client.SetBoot(ctx, ep, ipmi.BootNetwork, true)
	}); err != nil {
		w.logEvent(ctx, instance.ID, "SetBoot", store.SentimentFailed, err.Error())
		return apperrors.New(apperrors.ErrTransportFailure, "set_boot_network", err.Error())
	}
	if err := retryFor(ctx, 5, 10*time.Second, func() error {
		return client.PowerOff(ctx, ep)
	}); err != nil {
		w.logEvent(ctx, instance.ID, "Power-off", store.SentimentFailed, err.Error())
		return apperrors.New(apperrors.ErrTransportFailure, "power_off", err.Error())
	}
	w.logEvent(ctx, instance.ID, "Power-off", store.SentimentSucceeded, "")

	if err := w.powerOnAndPoll(ctx, client, ep, instance.ID); err != nil {
		return err
	}

	if dynamicLab {
		w.mgmtNetConfig(ctx, instance, host)
		w.logEvent(ctx, instance.ID, "MgmtNetConfig", store.SentimentSucceeded, "")
	}

	if variant == variantEve {
		select {
		case <-time.After(15 * time.Minute):
		case <-ctx.Done():
			return ctx.Err()
		}
		w.logEvent(ctx, instance.ID, "WaitInstalled", store.SentimentSucceeded, "eve fixed sleep")
	} else {
		if err := w.waitInstalled(ctx, instance.ID, eps); err != nil {
			return err
		}
	}

	if err := retryFor(ctx, 5, 10*time.Second, func() error {
		return client.PowerOff(ctx, ep)
	}); err != nil {
		w.logEvent(ctx, instance.ID, "Power-off", store.SentimentFailed, err.Error())
		return apperrors.New(apperrors.ErrTransportFailure, "power_off_installed", err.Error())
	}

	bootDevice := ipmi.BootDisk
	if variant == variantEve {
		bootDevice = ipmi.BootSpecificDisk
	}
	if err := retryFor(ctx, 5, 10*time.Second, func() error {
		return client.SetBoot(ctx, ep, bootDevice, true)
	}); err != nil {
		w.logEvent(ctx, instance.ID, "BootFromDisk", store.SentimentFailed, err.Error())
		return apperrors.New(apperrors.ErrTransportFailure, "set_boot_disk", err.Error())
	}
	if err := retryFor(ctx, 5, 10*time.Second, func() error {
		return client.PowerOn(ctx, ep)
	}); err != nil {
		w.logEvent(ctx, instance.ID, "BootFromDisk", store.SentimentFailed, err.Error())
		return apperrors.New(apperrors.ErrTransportFailure, "power_on_disk", err.Error())
	}
	w.logEvent(ctx, instance.ID, "BootFromDisk", store.SentimentSucceeded, "")

	if variant == variantEve {
		select {
		case <-time.After(15 * time.Minute):
		case <-ctx.Done():
			return ctx.Err()
		}
		w.logEvent(ctx, instance.ID, "WaitPostBoot", store.SentimentSucceeded, "eve fixed sleep")
	} else {
		if err := w.waitOn(ctx, eps.postBootRecv, instance.ID, "WaitPostBoot", 35*time.Minute); err != nil {
			return err
		}
	}

	if dynamicLab {
		w.prodNetConfig(ctx, instance, host)
		w.logEvent(ctx, instance.ID, "ProdNetConfig", store.SentimentSucceeded, "")
	}

	if variant != variantEve {
		if err := w.waitOn(ctx, eps.postProvRecv, instance.ID, "WaitPostProvision", 30*time.Minute); err != nil {
			return err
		}
	}

	if err := w.verifyReachable(ctx, instance); err != nil {
		return err
	}

	w.ipmiAccounts(ctx, client, ep, instance)

	w.logEvent(ctx, instance.ID, "Success", store.SentimentSucceeded, "")
	return nil
}

func (w *Workflow) powerOnAndPoll(ctx context.Context, client ipmi.Client, ep ipmi.Endpoint, instance store.InstanceKey) error {
	if err := retryFor(ctx, 5, 10*time.Second, func() error {
		return client.PowerOn(ctx, ep)
	}); err != nil {
		w.logEvent(ctx, instance, "Power-on", store.SentimentFailed, err.Error())
		return apperrors.New(apperrors.ErrTransportFailure, "power_on", err.Error())
	}

	const pollAttempts = 50
	const pollInterval = 5 * time.Second
	for i := 0; i < pollAttempts; i++ {
		state, err := client.PowerStatus(ctx, ep)
		if err == nil && (state == ipmi.PowerOn || state == ipmi.PowerReset) {
			if state == ipmi.PowerOn {
				w.logEvent(ctx, instance, "Power-on", store.SentimentSucceeded, "")
				return nil
			}
			// Reset is transient; keep polling.
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.logEvent(ctx, instance, "Power-on", store.SentimentFailed, "power state never settled to on")
	return apperrors.New(apperrors.ErrTimeout, "power_on_poll", "never observed power-on")
}

func (w *Workflow) registerEndpoints(instance string) endpoints {
	var eps endpoints
	eps.preImage, eps.preImageRecv = w.mb.Register(instance, "pre_image")
	eps.postImage, eps.postImageRecv = w.mb.Register(instance, "post_image")
	eps.postBoot, eps.postBootRecv = w.mb.Register(instance, "post_boot")
	eps.postProvision, eps.postProvRecv = w.mb.Register(instance, "post_provision")
	return eps
}

// cobblerSet configures the installer to serve the correct image for
// host. A rejected configuration is fatal; there is no retry.
func (w *Workflow) cobblerSet(ctx context.Context, host store.Host, instance store.Instance, eps endpoints) error {
	ciURL, err := w.publishCloudConfig(instance, eps)
	if err != nil {
		return apperrors.Newf(apperrors.ErrConfigurationError, "cobbler_set", "%s: %v", host.Name, err)
	}

	cfg := installer.Config{
		Distro:             instance.Config.Image,
		KernelArgs:         fmt.Sprintf("labctl.pre_image=%s", eps.preImage),
		CIUserDataURL:      ciURL,
		PostInstallHookURL: eps.postImage,
	}
	if err := w.inst.SetConfig(ctx, host.IPMI.FQDN, cfg); err != nil {
		return apperrors.Newf(apperrors.ErrTransportFailure, "cobbler_set", "%s: %v", host.Name, err)
	}
	return nil
}

// publishCloudConfig builds the first-boot script for instance, wraps
// it into a cloud-init document, and publishes it on the mailbox so the
// host can fetch it at boot via ci-user-data-url. The ubuntu
// distribution variant gets a network-manager install line before the
// script tears down its installer-time network.
func (w *Workflow) publishCloudConfig(instance store.Instance, eps endpoints) (string, error) {
	gen := netgen.GenerateFirstBootScript
	if variantForImage(instance.Config.Image) == variantUbuntu {
		gen = netgen.GenerateUbuntuFirstBootScript
	}

	script, err := gen(instance.Config, instance.Vlans, w.resolveVlan, eps.postBoot, eps.postProvision)
	if err != nil {
		return "", fmt.Errorf("generating first-boot script: %w", err)
	}

	content, err := netgen.RenderCloudConfig(netgen.BuildCloudConfig(instance.Hostname, script))
	if err != nil {
		return "", fmt.Errorf("rendering cloud-config: %w", err)
	}

	return w.mb.PublishCloudConfig(instance.ID.String(), content), nil
}

// waitInstalled awaits the post_image callback with a parallel watcher
// on pre_image to distinguish "never reached installer" from "reached
// installer but install failed".
func (w *Workflow) waitInstalled(ctx context.Context, instance store.InstanceKey, eps endpoints) error {
	const timeout = 35 * time.Minute
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		tag string
		err error
	}
	done := make(chan result, 2)
	go func() {
		_, err := eps.postImageRecv.WaitNext(waitCtx)
		done <- result{"post_image", err}
	}()
	go func() {
		_, err := eps.preImageRecv.WaitNext(waitCtx)
		done <- result{"pre_image", err}
	}()

	reachedInstaller := false
	for i := 0; i < 2; i++ {
		r := <-done
		if r.tag == "pre_image" && r.err == nil {
			reachedInstaller = true
			continue
		}
		if r.tag == "post_image" && r.err == nil {
			w.logEvent(ctx, instance, "WaitInstalled", store.SentimentSucceeded, "")
			return nil
		}
	}
	if reachedInstaller {
		w.logEvent(ctx, instance, "WaitInstalled", store.SentimentFailed, "reached installer but install did not complete")
	} else {
		w.logEvent(ctx, instance, "WaitInstalled", store.SentimentFailed, "never reached installer")
	}
	return apperrors.New(apperrors.ErrTimeout, "wait_installed", instance.String())
}

func (w *Workflow) waitOn(ctx context.Context, recv *mailbox.Receiver, instance store.InstanceKey, stageName string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := recv.WaitNext(waitCtx); err != nil {
		w.logEvent(ctx, instance, stageName, store.SentimentFailed, err.Error())
		return err
	}
	w.logEvent(ctx, instance, stageName, store.SentimentSucceeded, "")
	return nil
}

// mgmtNetConfig exposes the management/PXE network on every upstream
// switch port of the host, so the installer-time image can be fetched
// over the first port that links up. With no management VLAN configured
// (zero), every port is set to Disabled instead.
func (w *Workflow) mgmtNetConfig(ctx context.Context, instance store.Instance, host store.Host) {
	state := netgen.Disabled()
	if w.mgmtVlan > 0 {
		state = netgen.Native(w.mgmtVlan)
	}
	for _, port := range host.Ports {
		for _, line := range state.CLILines(port.SwitchPortName) {
			if _, err := w.sw.RunCommand(ctx, port.SwitchHost, line); err != nil {
				w.log.Warn().Err(err).Str("port", port.SwitchPortName).Msg("mgmt net config command failed")
			}
		}
	}
}

func (w *Workflow) prodNetConfig(ctx context.Context, instance store.Instance, host store.Host) {
	bgForPort := func(port store.Port) (store.BondGroup, bool) {
		for _, bg := range instance.Config.BondGroups {
			for _, member := range bg.MemberInterfaces {
				if member == port.Name {
					return bg, true
				}
			}
		}
		return store.BondGroup{}, false
	}
	vlanTag := func(h store.HandleKey) int {
		vlan, err := w.resolveVlan(h)
		if err != nil {
			return 0
		}
		return vlan.Tag
	}
	commands := netgen.GenerateSwitchCommands(host.Ports, bgForPort, instance.Vlans, vlanTag)
	for _, cmd := range commands {
		for _, line := range cmd.Apply {
			if _, err := w.sw.RunCommand(ctx, cmd.SwitchHost, line); err != nil {
				w.log.Warn().Err(err).Str("port", cmd.PortName).Msg("prod net config command failed")
			}
		}
		// Read the applied state back and compare against the intent.
		out, err := w.sw.RunCommand(ctx, cmd.SwitchHost, cmd.Verify)
		if err != nil {
			w.log.Warn().Err(err).Str("port", cmd.PortName).Msg("switchport verification read failed")
			continue
		}
		if applied := netgen.ParseRunningConfig(strings.Split(out, "\n")); !applied.Equal(cmd.State) {
			w.log.Warn().Str("port", cmd.PortName).Msg("switchport state does not match intended configuration")
		}
	}
}

// verifyReachable probes the provisioned host itself over its own FQDN
// (never the BMC's) until it answers or the deadline expires.
func (w *Workflow) verifyReachable(ctx context.Context, instance store.Instance) error {
	const timeout = 15 * time.Minute
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://%s/", instance.Hostname)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		req, _ := http.NewRequestWithContext(waitCtx, http.MethodGet, url, nil)
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			w.logEvent(ctx, instance.ID, "VerifyReachable", store.SentimentSucceeded, "")
			return nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			w.logEvent(ctx, instance.ID, "VerifyReachable", store.SentimentFailed, "unreachable before deadline")
			return apperrors.New(apperrors.ErrTimeout, "verify_reachable", instance.Hostname)
		}
	}
}

// ipmiAccounts creates a booking-scoped IPMI user. Failure degrades the
// deploy rather than failing it; the log event carries the admin-facing
// detail.
func (w *Workflow) ipmiAccounts(ctx context.Context, client ipmi.Client, ep ipmi.Endpoint, instance store.Instance) {
	username := fmt.Sprintf("lab-%s", instance.ID.String()[:10])
	password := store.NewKey().String()
	if err := client.CreateUser(ctx, ep, username, password); err != nil {
		w.logEvent(ctx, instance.ID, "IpmiAccounts", store.SentimentDegraded, err.Error())
		w.log.Warn().Err(err).Str("instance", instance.ID.String()).Msg("ipmi account creation degraded, deploy continues")
		return
	}
	w.logEvent(ctx, instance.ID, "IpmiAccounts", store.SentimentSucceeded, "")
}

func (w *Workflow) logEvent(ctx context.Context, instance store.InstanceKey, event string, sentiment store.Sentiment, detail string) {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("logEvent: could not open transaction")
		return
	}
	defer tx.Rollback()

	if err := w.logs.Append(ctx, tx.Q(), store.ProvisionLogEvent{
		Instance: instance, Time: time.Now(), Event: event, Detail: detail, Sentiment: sentiment,
	}); err != nil {
		w.log.Error().Err(err).Msg("logEvent: append failed")
		return
	}
	if err := tx.Commit(); err != nil {
		w.log.Error().Err(err).Msg("logEvent: commit failed")
	}
}
