package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobuhiro11/gohyperv/config"
	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/machine"
	"github.com/bobuhiro11/gohyperv/migration"
	"github.com/bobuhiro11/gohyperv/notify"
	"github.com/bobuhiro11/gohyperv/service"
	"github.com/bobuhiro11/gohyperv/softcpu"
	"github.com/inconshreveable/log15"
	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	c, err := config.Load(args)
	if err != nil {
		return err
	}

	log := log15.New()

	lvl, err := log15.LvlFromString(c.LogLevel)
	if err != nil {
		return err
	}

	log.SetHandler(log15.LvlFilterHandler(lvl, log15.StderrHandler))

	if c.Profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	engine := softcpu.New(log)
	defer engine.Close()

	m, err := machine.New(engine, c.MemSize, log)
	if err != nil {
		return err
	}
	defer m.Memory().Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.MigrateListen != "" {
		if err := receiveMachine(ctx, m, c.MigrateListen, log); err != nil {
			return err
		}
	} else {
		for i := 0; i < c.NCPUs; i++ {
			if err := m.AddVCPU(uint32(i)); err != nil {
				return err
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.Run(ctx) })

	if c.RPCAddr != "" {
		g.Go(func() error { return service.Serve(ctx, c.RPCAddr, m, log) })
	}

	if c.MigrateTo != "" {
		g.Go(func() error {
			defer stop()

			return sendMachine(ctx, m, c.MigrateTo, c.PrecopyRounds, log)
		})
	} else if c.MigrateListen == "" {
		g.Go(func() error { return smoke(m, log) })
	}

	log.Info("machine running", "cpus", c.NCPUs, "mem", c.MemSize)

	return g.Wait()
}

// smoke exercises message and event delivery once at startup so a bare run
// shows the machinery end to end.
func smoke(m *machine.Machine, log log15.Logger) error {
	s, err := m.Hub().SynIC(0)
	if err != nil {
		return err
	}

	if err := s.Update(true, 0x1000, 0x2000); err != nil {
		return err
	}

	done := make(chan error, 1)

	route, err := m.Hub().NewSintRoute(0, 2, func(err error) { done <- err })
	if err != nil {
		return err
	}
	defer route.Unref()

	msg, err := hv.NewMessage(1, []byte("hello"))
	if err != nil {
		return err
	}

	if err := route.PostMessage(msg); err != nil {
		return err
	}

	if err := <-done; err != nil {
		return err
	}

	if err := route.SetEventFlag(5); err != nil {
		return err
	}

	if err := m.Hub().RegisterEventNotifier(1, notify.Func(func() {
		log.Info("demo event connection signaled")
	})); err != nil {
		return err
	}

	if status := m.Hub().HandleSignalEvent(1, true); status != hv.StatusSuccess {
		return fmt.Errorf("signal event: %v", status)
	}

	log.Info("smoke scenario complete", "sint", 2, "flag", 5)

	return nil
}

// receiveMachine accepts one migration stream and populates m from it.
func receiveMachine(ctx context.Context, m *machine.Machine, addr string, log log15.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer l.Close()

	log.Info("awaiting migration", "addr", addr)

	conn, err := l.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := migration.Receive(ctx, m, conn); err != nil {
		return fmt.Errorf("incoming migration: %w", err)
	}

	log.Info("migration received", "from", conn.RemoteAddr())

	return nil
}

// sendMachine streams m to a waiting destination and leaves it stopped.
func sendMachine(ctx context.Context, m *machine.Machine, addr string, rounds int, log log15.Logger) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info("migrating", "to", addr, "rounds", rounds)

	if err := migration.Migrate(ctx, m, conn, rounds); err != nil {
		return fmt.Errorf("outgoing migration: %w", err)
	}

	log.Info("migration complete", "to", addr)

	return nil
}
