/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package daemon wires C1-C8 (vrrp/vtimer, vrrp/family, vrrp/wire,
// vrrp/netio, vrrp/ctrlfifo, vrrp/loop, vrrp/fsm, vrrp/hook) plus the
// supporting packages (vrrp/config, vrrp/pidfile, vrrp/register,
// vrrp/metrics, vrrp/jitter) into one running VirtualRouter, and runs its
// event loop until a stop command or a terminal signal is observed.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/evolix/uvrrpd-go/vrrp/config"
	"github.com/evolix/uvrrpd-go/vrrp/ctrlfifo"
	"github.com/evolix/uvrrpd-go/vrrp/fsm"
	"github.com/evolix/uvrrpd-go/vrrp/hook"
	"github.com/evolix/uvrrpd-go/vrrp/jitter"
	"github.com/evolix/uvrrpd-go/vrrp/loop"
	"github.com/evolix/uvrrpd-go/vrrp/metrics"
	"github.com/evolix/uvrrpd-go/vrrp/netio"
	"github.com/evolix/uvrrpd-go/vrrp/pidfile"
	"github.com/evolix/uvrrpd-go/vrrp/register"
	"github.com/evolix/uvrrpd-go/vrrp/wire"
)

// Options are the knobs cmd/uvrrpd exposes beyond a config.VirtualRouter
// itself: where to publish Prometheus metrics, and the control-FIFO path
// convention of spec.md §6.
type Options struct {
	CtrlFifoPath  string
	MetricsAddr   string // empty disables the monitoring HTTP listener
	RealtimeSched bool   // run under SCHED_RR and drop to SCHED_OTHER around the hook
}

// Daemon is one running VirtualRouter.
type Daemon struct {
	cfg  *config.VirtualRouter
	opts Options

	net     *netio.Context
	machine *fsm.Machine
	ctrl    *ctrlfifo.FIFO
	pidFile *pidfile.PidFile
	reg     *register.Register
	metrics *metrics.Set
	jitter  *jitter.Tracker
	invoker *hook.Invoker

	sigR, sigW *os.File

	log *log.Entry
}

// New resolves cfg's sockets and prebuilt frames but does not yet open
// anything on the wire; call Run to bring the instance up.
func New(cfg *config.VirtualRouter, opts Options) (*Daemon, error) {
	entry := log.WithFields(log.Fields{"vrid": cfg.VRID, "iface": cfg.Iface})

	codec := wire.Codec{Fam: cfg.Fam}
	vipAddrs := make([]net.IP, len(cfg.VIPs))
	for i, v := range cfg.VIPs {
		vipAddrs[i] = v.Addr
	}

	adv := wire.Advertisement{
		Version:      cfg.Version,
		Type:         wire.AdvertisementType,
		VRID:         cfg.VRID,
		Priority:     cfg.Priority,
		CountIPAddrs: uint8(len(vipAddrs)),
		Addresses:    vipAddrs,
	}
	var authData [wire.AuthDataSize]byte
	copy(authData[:], cfg.AuthData)
	if cfg.Version == 2 {
		adv.AuthType = cfg.AuthType
		adv.AdvIntSec = uint8(cfg.AdvInt)
		adv.AuthData = authData
	} else {
		adv.MaxAdvIntCs = cfg.AdvInt
	}

	daddr := cfg.Fam.MulticastGroup()
	payload, err := codec.Encode(adv, cfg.PrimaryAddr, daddr)
	if err != nil {
		return nil, fmt.Errorf("daemon: encoding advertisement template: %w", err)
	}

	virtualMAC := wire.VirtualMAC(cfg.VRID)
	var advertFrame wire.Frame
	if cfg.Fam.Version() == 4 {
		advertFrame, err = wire.BuildAdvertisementFrameV4(virtualMAC, cfg.PrimaryAddr, payload, cfg.DSCP)
	} else {
		advertFrame, err = wire.BuildAdvertisementFrameV6(virtualMAC, cfg.PrimaryAddr, payload, cfg.DSCP)
	}
	if err != nil {
		return nil, fmt.Errorf("daemon: building advertisement frame: %w", err)
	}

	topo := make([]wire.Frame, len(cfg.VIPs))
	for i, v := range cfg.VIPs {
		var f wire.Frame
		var err error
		if cfg.Fam.Version() == 4 {
			f, err = wire.BuildGratuitousARP(virtualMAC, v.Addr)
		} else {
			f, err = wire.BuildUnsolicitedNA(virtualMAC, v.Addr)
		}
		if err != nil {
			return nil, fmt.Errorf("daemon: building topology frame for %s: %w", v.Addr, err)
		}
		topo[i] = f
	}

	metricsSet := metrics.New(cfg.VRID, cfg.Iface)

	netCtx := &netio.Context{
		Fam:   cfg.Fam,
		Codec: codec,
		Local: netio.LocalConfig{
			Version:     cfg.Version,
			VRID:        cfg.VRID,
			Priority:    cfg.Priority,
			AuthType:    cfg.AuthType,
			AuthData:    authData,
			AdvIntSec:   uint8(cfg.AdvInt),
			VIPs:        vipAddrs,
			PrimaryAddr: cfg.PrimaryAddr,
		},
	}

	var sched hook.SchedulerGuard
	if opts.RealtimeSched {
		sched = hook.RealtimeScheduler{}
	}
	invoker := &hook.Invoker{Script: cfg.Script, Logger: entry, Scheduler: sched}

	d := &Daemon{
		cfg:     cfg,
		opts:    opts,
		net:     netCtx,
		reg:     register.New(),
		metrics: metricsSet,
		jitter:  jitter.New(),
		invoker: invoker,
		log:     entry,
	}

	machineCfg := fsm.Config{
		Version:     cfg.Version,
		VRID:        cfg.VRID,
		Priority:    cfg.Priority,
		Preempt:     cfg.Preempt,
		AdvIntRaw:   cfg.AdvInt,
		PrimaryAddr: cfg.PrimaryAddr,
		VIPs:        vipAddrs,
		Iface:       cfg.Iface,
		Fam:         cfg.Fam,
		Codec:       codec,
		Saddr:       cfg.PrimaryAddr,
		Daddr:       daddr,
		Advert:      advertFrame,
		Topo:        topo,
		Tx:          &meteredTransmitter{inner: netCtx, metrics: metricsSet},
		Hook:        invoker,
	}
	d.machine = fsm.NewMachine(machineCfg)

	return d, nil
}

// meteredTransmitter counts every frame handed to the transmit socket,
// satisfying fsm.Transmitter while keeping vrrp/fsm itself free of any
// metrics dependency. inner is narrowed to fsm.Transmitter's own shape
// (rather than *netio.Context directly) so this decorator is testable
// against a fake without opening a real raw socket.
type meteredTransmitter struct {
	inner   fsm.Transmitter
	metrics *metrics.Set
}

func (t *meteredTransmitter) Send(frame wire.Frame) error {
	err := t.inner.Send(frame)
	if err == nil {
		t.metrics.AdvertisementsSent.Inc()
	}
	return err
}

// Run acquires the PID file, opens the sockets and control FIFO, installs
// signal handling, starts the FSM, and runs the event loop until a stop
// command or a terminal signal is observed. It returns nil on a clean,
// requested shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	pf, err := pidfile.Acquire(d.cfg.PidFilePath)
	if err != nil {
		return err
	}
	d.pidFile = pf
	defer d.pidFile.Release()

	iface, err := net.InterfaceByName(d.cfg.Iface)
	if err != nil {
		return fmt.Errorf("daemon: resolving interface %s: %w", d.cfg.Iface, err)
	}
	if err := d.net.Open(iface, d.cfg.PrimaryAddr); err != nil {
		return fmt.Errorf("daemon: opening sockets: %w", err)
	}
	defer d.net.Close()

	ctrl, err := ctrlfifo.Open(d.opts.CtrlFifoPath)
	if err != nil {
		return fmt.Errorf("daemon: opening control FIFO: %w", err)
	}
	d.ctrl = ctrl
	defer d.ctrl.Close()

	if err := d.installSignals(); err != nil {
		return fmt.Errorf("daemon: installing signal handling: %w", err)
	}
	defer d.sigR.Close()
	defer d.sigW.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)
	if d.opts.MetricsAddr != "" {
		srv := &http.Server{Addr: d.opts.MetricsAddr, Handler: d.metrics.Handler()}
		eg.Go(func() error {
			d.log.WithField("addr", d.opts.MetricsAddr).Info("starting metrics listener")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("daemon: metrics listener: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := d.machine.Start(); err != nil {
		return fmt.Errorf("daemon: starting state machine: %w", err)
	}
	d.log.WithField("state", d.machine.State()).Info("entered initial state")
	d.metrics.State.Set(stateGaugeValue(d.machine.State()))

	if supported, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		d.log.WithError(err).Warn("sd_notify failed")
	} else if !supported {
		d.log.Debug("sd_notify not supported (NOTIFY_SOCKET unset)")
	}

	eg.Go(func() error {
		// Cancelling once the loop returns lets the metrics listener shut
		// down, so eg.Wait returns after a clean stop as well.
		defer cancel()
		return d.eventLoop(egCtx)
	})

	err = eg.Wait()
	if d.machine.State() != fsm.Init {
		d.log.Debug("event loop returned with VR not in Init; sending farewell")
		if rerr := d.machine.OnReload(); rerr != nil {
			d.log.WithError(rerr).Error("farewell on shutdown")
		}
	}
	return err
}

func stateGaugeValue(s fsm.State) float64 {
	switch s {
	case fsm.Backup:
		return 1
	case fsm.Master:
		return 2
	default:
		return 0
	}
}

// installSignals opens the self-pipe and starts the goroutine that
// translates delivered signals into vrrp/register bits plus a wakeup byte,
// grounded on responder/main.go's signal.Notify-into-a-channel pattern
// (this codebase's existing idiom for catching INT/TERM) extended with the
// self-pipe so the wakeup lands inside vrrp/loop's single ppoll rather than
// a second, independent suspension point.
func (d *Daemon) installSignals() error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return err
	}
	d.sigR, d.sigW = r, w

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
		syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGPIPE, syscall.SIGCHLD)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				d.reg.Clear(register.KeepGoing)
				d.reg.Set(register.Reload)
			case syscall.SIGHUP:
				d.reg.Set(register.Reload)
			case syscall.SIGUSR1, syscall.SIGUSR2:
				d.reg.Set(register.Dump)
			case syscall.SIGPIPE:
				d.log.Warn("SIGPIPE received")
			case syscall.SIGCHLD:
				// Reaped synchronously by os/exec's own wait4 loop; nothing to do.
			}
			_, _ = d.sigW.Write([]byte{0})
		}
	}()
	return nil
}

func (d *Daemon) drainSelfPipe() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(int(d.sigR.Fd()), buf)
		if err != nil || n <= 0 {
			return
		}
	}
}

// eventLoop is the single-threaded core: one vrrp/loop.Wait per iteration,
// dispatched to C4/C5/C7, with the register's flags drained after every
// event so a reload or stop observed mid-iteration is acted on before the
// next wait, per spec.md §5's ordering guarantee.
func (d *Daemon) eventLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		timer := d.machine.ActiveTimer()
		if timer == nil {
			return fmt.Errorf("daemon: logic-invariant violation: no timer armed in state %s", d.machine.State())
		}

		recvFd, err := d.net.Fd()
		if err != nil {
			return fmt.Errorf("daemon: receive socket fd: %w", err)
		}
		src := loop.Sources{RecvFd: recvFd, CtrlFd: d.ctrl.Fd(), SignalFd: int(d.sigR.Fd())}

		ev, err := loop.Wait(src, timer)
		if err != nil {
			return fmt.Errorf("daemon: event loop: %w", err)
		}

		prev := d.machine.State()
		switch ev {
		case loop.Timer:
			if err := d.machine.OnTimer(); err != nil {
				d.log.WithError(err).Error("timer event")
			}
		case loop.PacketReady:
			d.handlePacket(buf)
		case loop.ControlReady:
			d.handleControl()
		case loop.Signal:
			d.drainSelfPipe()
		case loop.Invalid:
			// Spurious wakeup; re-check the register and wait again.
		}
		d.onStateChange(prev, d.machine.State())

		if d.reg.TestAndClear(register.Dump) {
			d.dumpState()
		}
		if d.reg.TestAndClear(register.Reload) {
			prev := d.machine.State()
			if err := d.machine.OnReload(); err != nil {
				d.log.WithError(err).Error("reload transition")
			}
			d.onStateChange(prev, d.machine.State())
			if d.reg.Test(register.KeepGoing) && d.machine.State() == fsm.Init {
				prev := d.machine.State()
				if err := d.machine.Start(); err != nil {
					d.log.WithError(err).Error("restarting state machine after reload")
				}
				d.onStateChange(prev, d.machine.State())
			}
		}
		if !d.reg.Test(register.KeepGoing) {
			d.log.Info("graceful shutdown")
			return nil
		}
		select {
		case <-ctx.Done():
			d.reg.Clear(register.KeepGoing)
			d.reg.Set(register.Reload)
		default:
		}
	}
}

func (d *Daemon) handlePacket(buf []byte) {
	res := d.net.ReceiveAndValidate(buf)
	switch res.Kind {
	case netio.PktOk:
		d.metrics.AdvertisementsReceived.Inc()
		if d.machine.State() == fsm.Backup {
			d.jitter.Observe(time.Now())
			d.metrics.AdvertisementJitter.Set(d.jitter.Stddev())
		}
		peer := fsm.PeerAdvertisement{
			Priority:    res.Adv.Priority,
			MaxAdvIntCs: res.Adv.MaxAdvIntCs,
			SourceIP:    res.Source,
		}
		if err := d.machine.OnPacket(peer); err != nil {
			d.log.WithError(err).Error("packet event")
		}
	case netio.VridMismatch:
		d.metrics.PacketsInvalid.WithLabelValues("vrid_mismatch").Inc()
		res.LogReject(d.log)
	default:
		d.metrics.PacketsInvalid.WithLabelValues("invalid").Inc()
		res.LogReject(d.log)
	}
}

func (d *Daemon) handleControl() {
	cmd, err := d.ctrl.ReadCommand()
	if err != nil {
		d.log.WithError(err).Warn("control channel read")
		return
	}
	switch cmd.Kind {
	case ctrlfifo.Stop:
		d.log.Info("stop requested")
		d.reg.Clear(register.KeepGoing)
		d.reg.Set(register.Reload)
	case ctrlfifo.Reload:
		d.log.Info("reload requested")
		d.reg.Set(register.Reload)
	case ctrlfifo.Status:
		d.reg.Set(register.Dump)
	case ctrlfifo.SetPriority:
		if cmd.Priority == 0 {
			d.log.Warn("control channel: prio 0 rejected")
			return
		}
		d.log.WithField("priority", cmd.Priority).Info("priority updated")
		d.machine.SetPriority(cmd.Priority)
		d.reg.Set(register.Reload)
	case ctrlfifo.Invalid:
		d.log.Debug("control channel: unrecognized command")
	}
}

func (d *Daemon) onStateChange(prev, cur fsm.State) {
	if prev == cur {
		return
	}
	d.log.WithFields(log.Fields{"from": prev, "to": cur}).Info("state transition")
	d.metrics.Transitions.WithLabelValues(prev.String(), cur.String()).Inc()
	d.metrics.State.Set(stateGaugeValue(cur))
	if prev == fsm.Backup {
		d.jitter.Reset()
	}
}

func (d *Daemon) dumpState() {
	d.log.WithFields(log.Fields{
		"state":    d.machine.State().String(),
		"priority": d.machine.Priority(),
		"vrid":     d.cfg.VRID,
		"iface":    d.cfg.Iface,
		"vips":     vipStrings(d.cfg),
	}).Info("state dump")
}

func vipStrings(cfg *config.VirtualRouter) []string {
	out := make([]string, len(cfg.VIPs))
	for i, v := range cfg.VIPs {
		out[i] = v.Addr.String()
	}
	return out
}
