package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/librescoot/nfa/internal/dm"
	"github.com/librescoot/nfa/internal/eventsrv"
	"github.com/librescoot/nfa/internal/nci"
	"github.com/librescoot/nfa/internal/nfc"
)

var (
	transportKind  string
	devicePath     string
	baudRate       int
	listenAddr     string
	tracePath      string
	pollTechs      string
	listenDisabled bool
	p2pPriority    bool
	nxpInit        bool
	standby        bool
	discDuration   uint16
	lmrtSize       int
	routeDebounce  time.Duration
	disableTimeout time.Duration
	deactTimeout   time.Duration
	cmdTimeout     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the NFC stack and publish its events",
	Long: `Open the controller transport, enable the stack, start RF discovery with
the requested poll technologies and publish every event on a WebSocket server.

Clients connect to /ws and may send {"type":"command","payload":{"name":...}}
with one of the commands listed in the hello message.

Examples:
  # PN7150 on the pn5xx kernel driver
  nfad run --transport i2c --device /dev/pn5xx_i2c --nxp

  # Controller on a serial line, polling NFC-A only, events on :9000
  nfad run --transport uart --device /dev/ttyUSB0 --baud 115200 --poll a --listen :9000`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	defaults := dm.DefaultConfig()

	runCmd.Flags().StringVarP(&transportKind, "transport", "t", "i2c", "controller transport (i2c, uart)")
	runCmd.Flags().StringVarP(&devicePath, "device", "d", "/dev/pn5xx_i2c", "controller device node")
	runCmd.Flags().IntVar(&baudRate, "baud", nci.DefaultBaud, "UART baud rate")
	runCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "event server address, empty to disable")
	runCmd.Flags().StringVar(&tracePath, "trace", "", "record every NCI frame to this CBOR file")
	runCmd.Flags().StringVarP(&pollTechs, "poll", "p", "a,b,f,v", "poll technologies (a,b,f,v,bprime,kovio,a-active,f-active)")
	runCmd.Flags().BoolVar(&listenDisabled, "no-listen", false, "keep listen technologies out of discovery")
	runCmd.Flags().BoolVar(&p2pPriority, "p2p-priority", defaults.P2PPriority, "select NFC-DEP targets without asking")
	runCmd.Flags().BoolVar(&nxpInit, "nxp", true, "send the PN7150 proprietary initialization")
	runCmd.Flags().BoolVar(&standby, "standby", true, "let the controller enter standby between polls")
	runCmd.Flags().Uint16Var(&discDuration, "duration", defaults.Disc.Duration, "total discovery period in ms")
	runCmd.Flags().IntVar(&lmrtSize, "lmrt-size", defaults.EE.LMRTSize, "routing table size until the controller reports one")
	runCmd.Flags().DurationVar(&routeDebounce, "route-debounce", defaults.EE.Debounce, "delay before routing changes are programmed")
	runCmd.Flags().DurationVar(&disableTimeout, "disable-timeout", defaults.DisableTimeout, "graceful disable watchdog")
	runCmd.Flags().DurationVar(&deactTimeout, "deact-timeout", defaults.Disc.DeactNtfTimeout, "RF_DEACTIVATE_NTF watchdog")
	runCmd.Flags().DurationVar(&cmdTimeout, "cmd-timeout", nci.DefaultCmdTimeout, "NCI response timeout")
}

func openTransport(log nfc.LogCallback) (nci.Transport, error) {
	switch transportKind {
	case "i2c":
		return nci.OpenI2C(devicePath, log)
	case "uart", "serial":
		return nci.OpenUART(devicePath, baudRate, log)
	default:
		return nil, errors.Errorf("unknown transport %q", transportKind)
	}
}

func stackConfig() (dm.Config, error) {
	cfg := dm.DefaultConfig()
	cfg.P2PPriority = p2pPriority
	cfg.DisableTimeout = disableTimeout
	cfg.Disc.Duration = discDuration
	cfg.Disc.DeactNtfTimeout = deactTimeout
	cfg.EE.LMRTSize = lmrtSize
	cfg.EE.Debounce = routeDebounce
	if discDuration == 0 {
		return cfg, errors.New("discovery duration must be positive")
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	logcb := logCallback(logger)

	techs, err := parseTechs(pollTechs)
	if err != nil {
		return err
	}
	cfg, err := stackConfig()
	if err != nil {
		return err
	}

	transport, err := openTransport(logcb)
	if err != nil {
		return errors.Wrapf(err, "open %s", devicePath)
	}

	opts := nci.Options{CmdTimeout: cmdTimeout, NXP: nxpInit, Standby: standby}
	if tracePath != "" {
		f, err := os.Create(tracePath)
		if err != nil {
			transport.Close()
			return errors.Wrap(err, "create trace")
		}
		defer f.Close()
		rec, err := nci.NewRecorder(f, nil)
		if err != nil {
			transport.Close()
			return err
		}
		opts.Recorder = rec
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &daemon{logger: logger, techs: techs, disabled: make(chan struct{})}
	clock := nfc.NewRealClock()
	ctrl := nci.NewController(transport, func(ev nci.Event) { d.mgr.OnEvent(ev) }, clock, opts, logcb)
	defer ctrl.Close()

	srv := eventsrv.New(func() dm.Status { return d.mgr.Status() }, logcb)
	d.srv = srv
	d.mgr = dm.New(ctrl, d, clock, cfg, logcb)
	d.registerCommands()
	logger.Info().Str("id", d.mgr.ID()).Str("transport", transportKind).Str("device", devicePath).Msg("starting")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.mgr.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		ctrl.Run(runCtx)
	}()

	srvErr := make(chan error, 1)
	if listenAddr != "" {
		go func() { srvErr <- srv.ListenAndServe(ctx, listenAddr) }()
	}

	d.mgr.Enable()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		logger.Error().Err(err).Msg("event server stopped")
	}

	logger.Info().Msg("shutting down")
	d.mgr.Disable(true)
	select {
	case <-d.disabled:
	case <-time.After(disableTimeout + cmdTimeout):
		logger.Warn().Msg("controller did not confirm shutdown")
	}
	cancel()
	wg.Wait()
	return err
}

// daemon reacts to stack events and republishes them
type daemon struct {
	logger zerolog.Logger
	mgr    *dm.Manager
	srv    *eventsrv.Server
	techs  nfc.TechMask

	once     sync.Once
	disabled chan struct{}
}

// OnNFAEvent runs on the manager's event loop
func (d *daemon) OnNFAEvent(ev dm.Event) {
	e := d.logger.Debug()
	if ev.Status != nfc.StatusOK {
		e = d.logger.Warn()
	}
	e.Str("event", ev.Kind.String()).Str("status", ev.Status.String()).Msg("nfa")

	switch ev.Kind {
	case dm.EventEnabled:
		if ev.Status != nfc.StatusOK {
			d.logger.Error().Str("status", ev.Status.String()).Msg("controller did not come up")
			break
		}
		if ev.Info != nil {
			d.logger.Info().Uint16("lmrt", ev.Info.MaxRoutingTableSize).Msg("controller ready")
		}
		if listenDisabled {
			d.mgr.DisableListening()
		}
		d.mgr.EnablePolling(d.techs)
		d.mgr.StartRFDiscovery()
	case dm.EventActivated:
		if act := ev.Activation; act != nil {
			d.logger.Info().
				Str("protocol", act.Protocol.String()).
				Str("mode", act.TechMode.String()).
				Hex("nfcid", act.NFCID).
				Msg("target activated")
		}
	case dm.EventDisabled:
		d.once.Do(func() { close(d.disabled) })
	}

	if d.srv != nil {
		d.srv.OnNFAEvent(ev)
	}
}

func (d *daemon) registerCommands() {
	m := d.mgr
	commands := map[string]func(){
		"start_discovery":   m.StartRFDiscovery,
		"stop_discovery":    m.StopRFDiscovery,
		"enable_polling":    func() { m.EnablePolling(d.techs) },
		"disable_polling":   m.DisablePolling,
		"enable_listening":  m.EnableListening,
		"disable_listening": m.DisableListening,
		"pause_p2p":         m.PauseP2P,
		"resume_p2p":        m.ResumeP2P,
		"deactivate":        func() { m.Deactivate(false) },
		"sleep":             func() { m.Deactivate(true) },
		"presence_check":    m.PresenceCheck,
		"update_routing":    m.UpdateRouting,
		"routing_size":      m.GetLMRTSize,
		"power_off_sleep":   func() { m.SetPowerMode(dm.PowerOffSleep) },
		"power_full":        func() { m.SetPowerMode(dm.PowerFull) },
	}
	for name, f := range commands {
		d.srv.Handle(name, f)
	}
}
