package topology

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"ragstack/internal/readiness"
)

// Gate is one dependency edge and the condition it waits on.
type Gate struct {
	Service   string `json:"service"`
	DependsOn string `json:"depends_on"`
	Condition string `json:"condition"`
}

type Plan struct {
	Name   string     `json:"name,omitempty"`
	Levels [][]string `json:"levels"`
	Order  []string   `json:"order"`
	Gates  []Gate     `json:"gates"`
}

// Levels groups services into start waves: every service's dependencies are
// in an earlier wave. Names within a wave are sorted.
func Levels(t *Topology) ([][]string, error) {
	indeg := map[string]int{}
	dependents := map[string][]string{}
	for _, name := range t.ServiceNames() {
		indeg[name] += 0
		for dep := range t.Services[name].DependsOn {
			if _, ok := t.Services[dep]; !ok {
				continue
			}
			indeg[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var levels [][]string
	var wave []string
	for name, d := range indeg {
		if d == 0 {
			wave = append(wave, name)
		}
	}
	seen := 0
	for len(wave) > 0 {
		sort.Strings(wave)
		levels = append(levels, wave)
		seen += len(wave)
		var next []string
		for _, name := range wave {
			for _, dependent := range dependents[name] {
				indeg[dependent]--
				if indeg[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		wave = next
	}

	if seen != len(indeg) {
		var stuck []string
		for name, d := range indeg {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("depends_on cycle among: %s", strings.Join(stuck, ", "))
	}
	return levels, nil
}

// StartOrder flattens Levels.
func StartOrder(t *Topology) ([]string, error) {
	levels, err := Levels(t)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range levels {
		out = append(out, l...)
	}
	return out, nil
}

// BuildPlan validates t and returns its start plan.
func BuildPlan(t *Topology) (Plan, error) {
	if err := Validate(t); err != nil {
		return Plan{}, err
	}
	levels, err := Levels(t)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{Name: t.Name, Levels: levels}
	for _, l := range levels {
		p.Order = append(p.Order, l...)
	}
	for _, name := range p.Order {
		deps := make([]string, 0, len(t.Services[name].DependsOn))
		for dep := range t.Services[name].DependsOn {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			p.Gates = append(p.Gates, Gate{Service: name, DependsOn: dep, Condition: t.Services[name].DependsOn[dep].Condition})
		}
	}
	return p, nil
}

// Probe is a reachability check for one published port.
type Probe struct {
	Service string
	Check   readiness.Check
}

// Probes returns one check per published host port, addressed at host. A
// port the service's healthcheck polls over HTTP on the loopback gets an HTTP
// check of that URL; every other port gets a TCP dial.
func Probes(t *Topology, host string) []Probe {
	if host == "" {
		host = "localhost"
	}
	var out []Probe
	for _, name := range t.ServiceNames() {
		svc := t.Services[name]
		urls := healthURLs(svc.Healthcheck)
		for _, p := range svc.Ports {
			hostPort, containerPort, err := SplitPort(p)
			if err != nil || hostPort == "" || strings.Contains(hostPort, "-") {
				continue
			}
			addr := net.JoinHostPort(host, hostPort)
			if u, ok := urls[containerPort]; ok {
				u.Host = addr
				out = append(out, Probe{Service: name, Check: readiness.HTTP{URL: u.String()}})
				continue
			}
			out = append(out, Probe{Service: name, Check: readiness.TCP{Addr: addr}})
		}
	}
	return out
}

// healthURLs picks the loopback http(s) URLs out of a healthcheck command,
// keyed by container port.
func healthURLs(hc *Healthcheck) map[string]url.URL {
	if hc == nil || hc.Disable {
		return nil
	}
	urls := map[string]url.URL{}
	for _, arg := range hc.Test {
		for _, field := range strings.Fields(arg) {
			field = strings.Trim(field, `"'`)
			if !strings.HasPrefix(field, "http://") && !strings.HasPrefix(field, "https://") {
				continue
			}
			u, err := url.Parse(field)
			if err != nil {
				continue
			}
			switch u.Hostname() {
			case "localhost", "127.0.0.1", "0.0.0.0":
			default:
				continue
			}
			port := u.Port()
			if port == "" {
				port = "80"
				if u.Scheme == "https" {
					port = "443"
				}
			}
			if _, dup := urls[port]; !dup {
				urls[port] = *u
			}
		}
	}
	return urls
}

type ProbeResult struct {
	Service string `json:"service"`
	Check   string `json:"check"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Check runs every probe concurrently, each bounded by timeout. Results are
// in probe order; the returned error is non-nil when any probe failed.
func Check(ctx context.Context, probes []Probe, timeout time.Duration) ([]ProbeResult, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	results := make([]ProbeResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			r := ProbeResult{Service: p.Service, Check: p.Check.Name(), OK: true}
			if err := p.Check.Check(cctx); err != nil {
				r.OK = false
				r.Error = err.Error()
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r.Service)
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("unreachable: %s", strings.Join(failed, ", "))
	}
	return results, nil
}
