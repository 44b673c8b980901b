package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fluxmq/fluxproxy/common"
	"github.com/fluxmq/fluxproxy/conf"
	"github.com/fluxmq/fluxproxy/errors"
	log "github.com/fluxmq/fluxproxy/logger"
	"github.com/fluxmq/fluxproxy/proxy"
	"github.com/fluxmq/fluxproxy/serializer"
	"github.com/fluxmq/fluxproxy/server"
)

type arguments struct {
	Proxy conf.Config `help:"Proxy configuration" embed:"" prefix:""`
	Log   log.Config  `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	defer common.PanicHandler()
	r := &runner{}
	cfg, err := r.loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}
	if err := r.run(cfg); err != nil {
		logErrorAndExit(err.Error())
	}
	r.waitForShutdownSignal()
	if err := r.stop(); err != nil {
		logErrorAndExit(err.Error())
	}
}

type runner struct {
	server *server.Server
}

func (r *runner) loadConfig(args []string) (*arguments, error) {
	cfg := &arguments{}
	parser, err := kong.New(cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	_, err = parser.Parse(args)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Proxy.ApplyDefaults()
	if err := cfg.Log.Configure(); err != nil {
		return nil, errors.WithStack(err)
	}
	return cfg, nil
}

func (r *runner) run(cfg *arguments) error {
	// The standalone binary serves opaque JSON documents - embedders wire their own
	// typed sinks through the server package
	registry, err := serializer.NewRegistry(
		serializer.NewJSONSerializer(func() interface{} { return &map[string]interface{}{} }),
		serializer.NewCBORSerializer(func() interface{} { return &map[string]interface{}{} }),
	)
	if err != nil {
		return err
	}
	s, err := server.NewServer(cfg.Proxy, proxy.RequestSinkFunc(echoSink), registry)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	r.server = s
	return nil
}

// echoSink is the default standalone behavior: echo the request back and end the stream.
func echoSink(request interface{}, responses proxy.ResponseSink) {
	if err := responses.SendResponse(request); err != nil {
		log.Warnf("failed to send response %v", err)
	}
	responses.EndOfStream()
}

func (r *runner) waitForShutdownSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Infof("received signal %s - shutting down", sig)
}

func (r *runner) stop() error {
	return r.server.Stop()
}
