/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/


// Package openmetrics implements the HTTP endpoint exposing Prometheus
// metrics and a read-only view of the spool contents.
package openmetrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/spool"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const modName = "openmetrics"

// Spool is the part of *spool.Queue used to list messages.
type Spool interface {
	List(ctx context.Context) ([]string, error)
	Retrieve(ctx context.Context, key string) (*module.Message, error)
}

type Endpoint struct {
	instName string
	addrs    []string
	logger   log.Logger

	spool        Spool
	queryTimeout time.Duration

	router      chi.Router
	serv        http.Server
	listenersWg sync.WaitGroup
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Endpoint{
		instName: instName,
		addrs:    inlineArgs,
		logger:   log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
	}, nil
}

func (e *Endpoint) Name() string {
	return modName
}

func (e *Endpoint) InstanceName() string {
	return e.instName
}

func (e *Endpoint) Init(cfg *config.Map) error {
	var addrs []string
	cfg.Bool("debug", true, false, &e.logger.Debug)
	cfg.StringList("listen", false, false, nil, &addrs)
	cfg.Duration("query_timeout", false, false, 10*time.Second, &e.queryTimeout)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	e.addrs = append(e.addrs, addrs...)
	if len(e.addrs) == 0 {
		return fmt.Errorf("%s: at least one listen address is required", modName)
	}
	for _, a := range e.addrs {
		if _, _, err := parseEndpoint(a); err != nil {
			return fmt.Errorf("%s: %w", modName, err)
		}
	}

	// The spool is optional, without it only /metrics is served.
	if s, ok := modconfig.EnqueuerFrom(cfg.Globals).(Spool); ok {
		e.spool = s
	}

	e.router = e.routes()
	e.serv.Handler = e.router
	return nil
}

func (e *Endpoint) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	if e.spool != nil {
		r.Route("/spool", func(r chi.Router) {
			r.Get("/", e.listMessages)
			r.Get("/{key}", e.showMessage)
		})
	}
	return r
}

// parseEndpoint accepts "host:port", "tcp://host:port" and
// "unix:///path" forms.
func parseEndpoint(s string) (network, address string, err error) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Opaque != "" {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return "", "", fmt.Errorf("malformed endpoint: %s", s)
		}
		return "tcp", s, nil
	}

	switch u.Scheme {
	case "tcp":
		return "tcp", u.Host, nil
	case "unix":
		return "unix", u.Path, nil
	default:
		return "", "", fmt.Errorf("unsupported endpoint scheme: %s", u.Scheme)
	}
}

func (e *Endpoint) Start() error {
	listeners := make([]net.Listener, 0, len(e.addrs))
	for _, a := range e.addrs {
		network, addr, _ := parseEndpoint(a)
		l, err := net.Listen(network, addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("%s: %w", modName, err)
		}
		listeners = append(listeners, l)
	}

	for _, l := range listeners {
		l := l
		e.listenersWg.Add(1)
		go func() {
			defer e.listenersWg.Done()
			e.logger.Msg("listening", "endpoint", l.Addr().String())
			err := e.serv.Serve(l)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("serve failed", err, "endpoint", l.Addr().String())
			}
		}()
	}
	return nil
}

func (e *Endpoint) Stop() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	e.listenersWg.Wait()
	return nil
}

type messageInfo struct {
	Key          string            `json:"key"`
	Sender       string            `json:"sender"`
	Recipients   []string          `json:"recipients"`
	State        string            `json:"state"`
	ErrorMessage string            `json:"error,omitempty"`
	Created      time.Time         `json:"created"`
	LastUpdated  time.Time         `json:"last_updated"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

func infoFor(msg *module.Message) messageInfo {
	return messageInfo{
		Key:          msg.Key,
		Sender:       msg.Sender,
		Recipients:   msg.Recipients,
		State:        msg.State,
		ErrorMessage: msg.ErrorMessage,
		Created:      msg.Created,
		LastUpdated:  msg.LastUpdated,
		Attributes:   msg.Attributes,
	}
}

func (e *Endpoint) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		e.logger.Error("response write failed", err)
	}
}

func (e *Endpoint) listMessages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), e.queryTimeout)
	defer cancel()

	keys, err := e.spool.List(ctx)
	if err != nil {
		e.logger.Error("spool list failed", err)
		http.Error(w, "spool list failed", http.StatusInternalServerError)
		return
	}
	sort.Strings(keys)

	res := make([]messageInfo, 0, len(keys))
	for _, key := range keys {
		msg, err := e.spool.Retrieve(ctx, key)
		if err != nil {
			// Removed between List and Retrieve.
			if errors.Is(err, spool.ErrNotFound) {
				continue
			}
			e.logger.Error("spool retrieve failed", err, "msg_key", key)
			http.Error(w, "spool retrieve failed", http.StatusInternalServerError)
			return
		}
		res = append(res, infoFor(msg))
	}
	e.writeJSON(w, http.StatusOK, res)
}

func (e *Endpoint) showMessage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), e.queryTimeout)
	defer cancel()

	key := chi.URLParam(r, "key")
	msg, err := e.spool.Retrieve(ctx, key)
	if err != nil {
		if errors.Is(err, spool.ErrNotFound) {
			http.Error(w, "no such message", http.StatusNotFound)
			return
		}
		e.logger.Error("spool retrieve failed", err, "msg_key", key)
		http.Error(w, "spool retrieve failed", http.StatusInternalServerError)
		return
	}
	e.writeJSON(w, http.StatusOK, infoFor(msg))
}

func init() {
	module.Register(modName, New)
}
