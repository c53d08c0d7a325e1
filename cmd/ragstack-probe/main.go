package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ragstack/internal/probe"
)

// ragstack-probe is the HEALTHCHECK binary of both images built here. By
// default it checks the API's health path (deploy/api/Dockerfile); the
// Airflow image points --url at the webserver. One GET, exit 0 on 2xx and 1
// otherwise.
func main() {
	var url string
	var timeout time.Duration
	flag.StringVar(&url, "url", probe.DefaultURL, "health URL")
	flag.DurationVar(&timeout, "timeout", probe.DefaultTimeout, "request timeout")
	flag.Parse()

	status, err := probe.Check(context.Background(), url, timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unhealthy:", err)
		os.Exit(probe.ExitCode(err))
	}
	fmt.Println("healthy:", status)
}
