package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hepcloud/decisionengine/bus"
	"github.com/hepcloud/decisionengine/dataspace"
	"github.com/hepcloud/decisionengine/engine"
	"github.com/hepcloud/decisionengine/module"
	"github.com/hepcloud/decisionengine/module/testmodules"
	"github.com/hepcloud/decisionengine/statecell"
)

// childExchangeName only affects bus.Exchange's own telemetry label; the
// routing keys the parent passed in over the environment are what
// actually address messages, so a re-exec'd child need not learn the
// configured exchange_name to interoperate with its parent.
const childExchangeName = "decisiond_child"

// runSourceWorker is the __source_worker child process entry point: it
// rebuilds the source module named by its environment, then runs a paced
// produce loop until SIGTERM, persisting and publishing one generation per
// tick, per §4.3.
func runSourceWorker() error {
	classID := os.Getenv(engine.EnvSourceClassID)
	routingKey := os.Getenv(engine.EnvSourceRoutingKey)
	brokerURL := os.Getenv(engine.EnvBrokerURL)

	var cfg map[string]any
	if raw := os.Getenv(engine.EnvSourceConfig); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return errors.Wrap(err, "decisiond: decoding source config")
		}
	}

	loader := buildLoader()
	m, err := loader.Build(classID, cfg)
	if err != nil {
		return errors.Wrapf(err, "decisiond: building source module %q", classID)
	}

	period := time.Second
	if sp, ok := m.(module.SourcePeriod); ok {
		period = sp.Period()
	}

	broker, err := bus.NewRedisBroker(brokerURL)
	if err != nil {
		return errors.Wrap(err, "decisiond: connecting to broker")
	}
	defer broker.Close()
	ex := bus.NewExchange(childExchangeName, broker)

	ds := dataspace.NewInMemory()
	defer ds.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	limiter := rate.NewLimiter(rate.Every(period), 1)
	block := &module.Block{Products: map[string]any{}}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		out, err := m.Step()(ctx, block)
		if err != nil {
			if errors.Is(err, testmodules.ErrOneShotExhausted) {
				return nil
			}
			return errors.Wrapf(err, "decisiond: source %q step failed", classID)
		}
		block = out

		gen, err := ds.Persist(ctx, routingKey, out.Products)
		if err != nil {
			return errors.Wrap(err, "decisiond: persisting source generation")
		}

		names := make([]string, 0, len(out.Products))
		for p := range out.Products {
			names = append(names, p)
		}
		msg := bus.Message{RoutingKey: routingKey, Generation: gen, Products: names, Values: out.Products}
		if err := ex.Publish(ctx, msg); err != nil {
			return errors.Wrap(err, "decisiond: publishing source generation")
		}
	}
}

// runChannelWorker is the __channel_worker child process entry point: it
// rebuilds the channel's module plan, subscribes to every declared source
// queue, and runs the task manager loop, mirroring its lifecycle back to
// the parent over the control routing key, per §4.5.
func runChannelWorker() error {
	name := os.Getenv(engine.EnvChannelName)
	brokerURL := os.Getenv(engine.EnvChannelBroker)
	controlKey := os.Getenv(engine.EnvControlKey)

	var spec engine.TaskManagerSpec
	if raw := os.Getenv(engine.EnvChannelSpec); raw != "" {
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return errors.Wrap(err, "decisiond: decoding channel spec")
		}
	}

	loader := buildLoader()
	plan := make([]module.Module, 0, len(spec.ModulePlan))
	for _, ms := range spec.ModulePlan {
		m, err := loader.Build(ms.ClassID, ms.Config)
		if err != nil {
			return errors.Wrapf(err, "decisiond: building channel module %q", ms.ClassID)
		}
		plan = append(plan, m)
	}

	broker, err := bus.NewRedisBroker(brokerURL)
	if err != nil {
		return errors.Wrap(err, "decisiond: connecting to broker")
	}
	defer broker.Close()
	ex := bus.NewExchange(childExchangeName, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reportState := func(s statecell.State) error {
		b, err := json.Marshal(engine.ControlMessage{State: s})
		if err != nil {
			return err
		}
		if err := ex.Publish(ctx, bus.Message{RoutingKey: controlKey, Products: []string{string(b)}}); err != nil {
			return errors.Wrapf(err, "decisiond: reporting %s for channel %q", s, name)
		}
		return nil
	}

	incoming := make(chan bus.Message, 64)
	for _, q := range spec.Queues {
		pipe, err := ex.Subscribe(ctx, q.RoutingKey)
		if err != nil {
			return errors.Wrapf(err, "decisiond: subscribing to %q", q.RoutingKey)
		}
		go func(p *bus.Pipe) {
			for msg := range p.C {
				select {
				case incoming <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(pipe)
	}

	if err := reportState(statecell.Active); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)

	products := make(map[string]any)
	reachedSteady := false

	for {
		select {
		case <-sigs:
			if err := reportState(statecell.Offline); err != nil {
				return err
			}
			if err := reportState(statecell.ShuttingDown); err != nil {
				return err
			}
			return reportState(statecell.Shutdown)

		case msg := <-incoming:
			for k, v := range msg.Values {
				products[k] = v
			}
			block := &module.Block{Generation: msg.Generation, Products: cloneProducts(products)}
			block, stepErr := stepPlan(ctx, plan, block)
			if stepErr != nil {
				// ModuleFault (§7): a fatal module failure flips the
				// channel's state cell to ERROR so status RPCs surface
				// it, and this process exits rather than keep reporting
				// a state it no longer actually occupies.
				_ = reportState(statecell.Error)
				return errors.Wrapf(stepErr, "decisiond: channel %q module step failed", name)
			}
			if !reachedSteady {
				if err := reportState(statecell.Steady); err != nil {
					return err
				}
				reachedSteady = true
			}
		}
	}
}

// stepPlan runs block through every module in plan in order, stopping at
// the first error so a single faulty module can't mask which one failed.
func stepPlan(ctx context.Context, plan []module.Module, block *module.Block) (*module.Block, error) {
	var err error
	for _, m := range plan {
		block, err = m.Step()(ctx, block)
		if err != nil {
			return block, err
		}
	}
	return block, nil
}

func cloneProducts(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
