// beaconsrv is a development location server: it serves the HTTPS
// endpoints clients submit to, advertises itself over mDNS with its
// certificate fingerprint, and streams received submissions to websocket
// viewers.
package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/speps/go-hashids/v2"
	"github.com/spf13/viper"

	"nuha.dev/geobeacon/internal/channel/lan"
	"nuha.dev/geobeacon/internal/discovery"
	"nuha.dev/geobeacon/internal/fingerprint"
	"nuha.dev/geobeacon/internal/model"
	"nuha.dev/geobeacon/internal/util"
)

const recentKeep = 100

type server struct {
	logger   zerolog.Logger
	validate *validator.Validate
	hub      *streamHub
	receipts *hashids.HashID

	mu        sync.Mutex
	pending   bool
	submitted int64
	recent    []receipt
}

type receipt struct {
	ID      string                 `json:"id"`
	Payload *model.LocationPayload `json:"payload"`
}

func newServer() *server {
	o := &server{validate: validator.New(), hub: newStreamHub()}
	o.logger = log.With().Str("module", "beaconsrv").Logger()
	d := hashids.NewData()
	d.Salt = util.GenRandomString(nil, 8)
	d.MinLength = 8
	h, err := hashids.NewWithData(d)
	if err != nil {
		panic(err)
	}
	o.receipts = h
	return o
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := s.submitted
	s.mu.Unlock()
	util.JsonWrite(w, map[string]interface{}{"ok": true, "submitted": n})
}

// request serves the poll endpoint. A queued location request is consumed
// by the first poll that sees it.
func (s *server) request(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	pending := s.pending
	s.pending = false
	s.mu.Unlock()
	if pending {
		util.JsonWrite(w, map[string]string{"command": lan.RequestKeyword})
		return
	}
	util.JsonWrite(w, map[string]string{"command": "none"})
}

func (s *server) trigger(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()
	s.logger.Info().Msg("location request queued")
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	var payload model.LocationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(payload); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.mu.Lock()
	s.submitted++
	id, err := s.receipts.EncodeInt64([]int64{s.submitted})
	if err != nil {
		id = fmt.Sprintf("r%d", s.submitted)
	}
	rec := receipt{ID: id, Payload: &payload}
	s.recent = append(s.recent, rec)
	if len(s.recent) > recentKeep {
		s.recent = s.recent[len(s.recent)-recentKeep:]
	}
	s.mu.Unlock()

	s.hub.publish(rec)
	s.logger.Info().Str("receipt", id).Str("client_id", payload.ClientID).
		Float64("latitude", payload.Position.Latitude).
		Float64("longitude", payload.Position.Longitude).Msg("submission received")
	util.JsonWrite(w, map[string]string{"receipt": id})
}

func (s *server) submissions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]receipt, len(s.recent))
	copy(out, s.recent)
	s.mu.Unlock()
	util.JsonWrite(w, out)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	viper.SetDefault("port", 8443)
	viper.SetDefault("instance", "GeoBeacon")
	viper.SetDefault("version", "2.1")
	viper.SetEnvPrefix("beaconsrv")
	viper.AutomaticEnv()

	port := viper.GetInt("port")
	instance := viper.GetString("instance")
	version := viper.GetString("version")

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	cert, err := selfSignedCert([]string{hostname, "localhost", "127.0.0.1"})
	if err != nil {
		panic(err.Error())
	}
	fp := fingerprint.Digest(cert.Certificate[0])
	log.Info().Str("cert_fingerprint", fp).Msg("pair clients against this fingerprint")

	srv := newServer()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Get("/status", srv.status)
	r.Get("/request", srv.request)
	r.Post("/trigger", srv.trigger)
	r.Post("/submit", srv.submit)
	r.Get("/submissions", srv.submissions)
	r.Get("/stream", srv.hub.ServeHTTP)

	txt := []string{
		discovery.TXTVersion + "=" + version,
		discovery.TXTFingerprint + "=" + fp,
		discovery.TXTPaths + "=" + strings.Join([]string{"/submit", "/request", "/status"}, ","),
	}
	mdns, err := zeroconf.Register(instance, discovery.ServiceType, discovery.Domain, port, txt, nil)
	if err != nil {
		panic(err.Error())
	}
	defer mdns.Shutdown()
	log.Info().Str("instance", instance).Int("port", port).Msg("advertising on mdns")

	s1 := &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
		TLSConfig:      &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	err = s1.ListenAndServeTLS("", "")
	if err != nil {
		panic(err.Error())
	}
}
