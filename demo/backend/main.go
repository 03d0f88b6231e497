package main

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// A small upstream for the demo rules: it echoes which port and Host it was
// reached with so rewrites are visible from curl.
func main() {
	addrs := flag.String("listen", "127.0.0.1:9001", "address to listen on")
	flag.Parse()

	log := logrus.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(logrus.Fields{"host": r.Host, "path": r.URL.Path}).Info("request")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "backend %s\nhost %s\npath %s\n", *addrs, r.Host, r.URL.Path)
	})

	srv := &http.Server{
		Addr:              *addrs,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Infof("demo backend listening on %s", *addrs)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
