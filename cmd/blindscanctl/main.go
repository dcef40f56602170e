// blindscanctl drives one blind spectrum scan end to end against either a
// real DVB frontend or an in-memory stub, printing progress and the
// resulting peaks. It mirrors gocat's rf-scanner: a single self-contained
// CLI that owns the device for the duration of one run, with no separate
// daemon required.
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/lsd-tv/blindscan/internal/xlog"
	"github.com/lsd-tv/blindscan/pkg/frontend"
	"github.com/lsd-tv/blindscan/pkg/network"
	"github.com/lsd-tv/blindscan/pkg/satconf"
	"github.com/lsd-tv/blindscan/pkg/session"
)

var log = xlog.For("blindscanctl")

var (
	devicePath   = pflag.StringP("device", "d", "stub", "Frontend device path, or \"stub\" for a software double")
	startMHz     = pflag.Float64("start", 10700, "Start frequency in MHz")
	endMHz       = pflag.Float64("end", 12750, "End frequency in MHz")
	pol          = pflag.StringP("pol", "p", "B", "Polarisation: H, V, or B for both")
	networkUUID  = pflag.String("network", "default", "Network UUID candidates are checked/enqueued against")
	unicableSCR  = pflag.Int("unicable-scr", -1, "Unicable SCR slot index (-1 disables Unicable)")
	unicableFreq = pflag.Float64("unicable-freq", 1400, "Unicable SCR IF frequency in MHz")
	createMuxes  = pflag.Bool("create-muxes", false, "Materialise every pending or locked peak as a mux after scanning")
	watch        = pflag.Bool("watch", true, "Poll and print progress until the scan finishes")
	dumpCSV      = pflag.String("dump-csv", "", "Write the H and V low-band spectrum buffers to this path, for plot-spectrum")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run one blind spectrum scan against a DVB-S/S2 frontend.\n\nOptions:\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "blindscanctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var dev frontend.Device
	if *devicePath == "stub" {
		log.Info("using a software frontend double, no hardware involved")
		dev = frontend.NewStub()
	} else {
		real, err := frontend.Open(*devicePath)
		if err != nil {
			return fmt.Errorf("open %s: %w", *devicePath, err)
		}
		defer real.Close()
		dev = real
	}

	chain := &satconf.Chain{}
	if *unicableSCR >= 0 {
		chain.Unicable = &satconf.Unicable{SCR: *unicableSCR, SCRFreqKHz: int64(*unicableFreq * 1000)}
	}

	netRef := network.NewReference(nil)
	resolver := &cliResolver{dev: dev, chain: chain, netRef: netRef}
	mgr := session.NewManager(resolver)
	defer mgr.Shutdown()

	p := session.Params{
		FrontendUUID: "cli-frontend",
		SatconfUUID:  "cli-satconf",
		NetworkUUID:  *networkUUID,
		StartFreqKHz: int64(*startMHz * 1000),
		EndFreqKHz:   int64(*endMHz * 1000),
		Polarisation: session.PolSelect(strings.ToUpper(*pol)),
	}

	id, err := mgr.Start(p)
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}

	if *watch {
		watchProgress(mgr, id)
	}

	st, err := mgr.Status(id)
	if err != nil {
		return err
	}
	fmt.Printf("\nFinal state: %s (%dms, %d candidates)\n", st.State, st.DurationMS, st.PeakCount)

	peaks, err := mgr.Peaks(id)
	if err != nil {
		return err
	}
	printPeaks(peaks)

	if *dumpCSV != "" {
		if err := dumpSpectrumCSV(mgr, id, *dumpCSV); err != nil {
			return fmt.Errorf("dump csv: %w", err)
		}
	}

	if *createMuxes {
		var selections []session.Selection
		for _, pk := range peaks {
			if pk.Status == session.CandidateStatusPending || pk.Status == session.CandidateStatusLocked {
				selections = append(selections, session.Selection{FreqKHz: pk.FreqKHz, Polarisation: pk.Polarisation})
			}
		}
		created, err := mgr.CreateMuxes(id, selections)
		if err != nil {
			return fmt.Errorf("create muxes: %w", err)
		}
		fmt.Printf("Created %d mux(es)\n", created)
	}

	return mgr.Release(id)
}

func watchProgress(mgr *session.Manager, id string) {
	last := -1
	for {
		st, err := mgr.Status(id)
		if err != nil {
			return
		}
		if st.Progress != last {
			fmt.Printf("\r%-10s progress=%3d%% peaks=%-3d %s", st.State, st.Progress, st.PeakCount, st.Message)
			last = st.Progress
		}
		switch st.State {
		case session.StateComplete, session.StateCancelled, session.StateError:
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func printPeaks(peaks []session.Snapshot) {
	fmt.Printf("\n%-12s %-4s %-10s %-8s %s\n", "freq_khz", "pol", "sr", "level", "status")
	for _, pk := range peaks {
		fmt.Printf("%-12d %-4s %-10d %-8d %s\n", pk.FreqKHz, pk.Polarisation, pk.SymbolRate, pk.LevelCdB, pk.Status)
	}
}

// dumpSpectrumCSV writes every stored (pol, band) buffer sharing band 0's
// frequency grid as a plot-spectrum CSV: a freq_khz header row followed by
// one level_cdb row per pass. Buffers on a different band have a different
// grid and are skipped, since plot-spectrum assumes one shared frequency
// axis per file.
func dumpSpectrumCSV(mgr *session.Manager, id string, path string) error {
	type pass struct {
		label string
		buf   session.SpectrumBuffer
	}
	var passes []pass
	for _, pol := range []string{"H", "V"} {
		buf, err := mgr.Spectrum(id, pol, 0)
		if err != nil || len(buf.Points) == 0 {
			continue
		}
		passes = append(passes, pass{label: "pol=" + pol + " band=0", buf: buf})
	}
	if len(passes) == 0 {
		log.Warn("no spectrum buffers to dump", "path", path)
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"pass"}
	for _, p := range passes[0].buf.Points {
		header = append(header, strconv.FormatInt(p.FreqKHz, 10))
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, p := range passes {
		row := make([]string, 0, len(p.buf.Points)+1)
		row = append(row, p.label)
		for _, pt := range p.buf.Points {
			row = append(row, strconv.FormatInt(int64(pt.LevelCdB), 10))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	log.Info("wrote spectrum csv", "path", path, "passes", len(passes))
	return nil
}

// cliResolver is a one-shot Resolver: blindscanctl owns exactly one
// frontend/chain/network for the lifetime of the process, so resolution
// never fails after Start's initial checks.
type cliResolver struct {
	dev    frontend.Device
	chain  *satconf.Chain
	netRef *network.Reference
}

func (r *cliResolver) ResolveFrontend(uuid string) (frontend.Device, bool) {
	return r.dev, uuid == "cli-frontend"
}

func (r *cliResolver) ResolveSatconf(uuid string) (*satconf.Chain, bool) {
	return r.chain, true
}

func (r *cliResolver) ResolveNetwork(uuid string) (network.Registry, bool) {
	return r.netRef, true
}

func (r *cliResolver) ListSatconfs(networkUUID string) []session.SatconfEntry {
	return nil
}
