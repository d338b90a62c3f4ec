package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/golang/glog"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joeshaw/envdecode"

	"github.com/mixedreality/mrenet/multiplex"
)

const MuxCtlVersion = "0.1.0"

// settings that can also come from the environment
type ServeConfig struct {
	Port              int    `env:"MRENET_PORT,default=3901"`
	AppUrl            string `env:"MRENET_APP_URL"`
	PeerAuthoritative bool   `env:"MRENET_PEER_AUTHORITATIVE,default=true"`
}

func main() {
	usage := `Session multiplexer control.

Engine clients connect to /sessions and apps connect to /sessions/app.
The session id is taken from the x-ms-mixed-reality-extension-sid header.
When --app_url is set, the multiplexer dials out to the app instead of
waiting for the app to connect in.

Usage:
    muxctl serve [--port=<port>] [--app_url=<app_url>] [--app_authoritative]
    muxctl version

Options:
    -h --help              Show this screen.
    --version              Show version.
    -p --port=<port>       Listen port.
    --app_url=<app_url>    Upstream app websocket url, e.g. ws://localhost:3902.
    --app_authoritative    The app is authoritative; no client is elected.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MuxCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if version_, _ := opts.Bool("version"); version_ {
		fmt.Printf("%s\n", MuxCtlVersion)
	}
}

func serve(opts docopt.Opts) {
	config := &ServeConfig{}
	// defaults are provided via struct tags
	_ = envdecode.Decode(config)
	if port, err := opts.Int("--port"); err == nil {
		config.Port = port
	}
	if appUrl, err := opts.String("--app_url"); err == nil {
		config.AppUrl = appUrl
	}
	if appAuthoritative, _ := opts.Bool("--app_authoritative"); appAuthoritative {
		config.PeerAuthoritative = false
	}

	ctx := context.Background()

	var appConnector multiplex.AppConnectorFunction
	if config.AppUrl != "" {
		appConnector = func(ctx context.Context, sessionId string) (multiplex.Transport, error) {
			header := http.Header{}
			header.Set(multiplex.SessionIdHeader, sessionId)
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, config.AppUrl, header)
			if err != nil {
				return nil, err
			}
			return multiplex.NewWebSocketTransportWithDefaults(ctx, ws, header), nil
		}
	}

	settings := multiplex.DefaultServiceSettings()
	settings.PeerAuthoritative = config.PeerAuthoritative
	service := multiplex.NewSessionService(ctx, appConnector, settings)
	defer service.Close()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/sessions/app", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Infof("[ctl]app upgrade error = %s\n", err)
			return
		}
		transport := multiplex.NewWebSocketTransportWithDefaults(ctx, ws, r.Header)
		service.AcceptApp(transport)
	})
	router.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Infof("[ctl]client upgrade error = %s\n", err)
			return
		}
		transport := multiplex.NewWebSocketTransportWithDefaults(ctx, ws, r.Header)
		if _, _, err := service.AcceptClient(transport); err != nil {
			glog.Infof("[ctl]client join error = %s\n", err)
		}
	})

	addr := fmt.Sprintf(":%d", config.Port)
	glog.Infof("[ctl]listening on %s\n", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		glog.Errorf("[ctl]listen error = %s\n", err)
		os.Exit(1)
	}
}
