package netdb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// SaveState persists every entry with pings_recv>0 to path, one line per
// entry, matching the text format of spec.md §6 and net_db.cc's
// netdbSaveState. Filename "none" disables persistence.
func (db *DB) SaveState(path string) error {
	if path == "" || path == "none" {
		return nil
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("netdb: save_state: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, e := range db.Snapshot() {
		if e.PingsRecv == 0 {
			continue
		}
		fields := []string{
			e.Network,
			strconv.Itoa(e.PingsSent),
			strconv.Itoa(e.PingsRecv),
			strconv.FormatFloat(e.Hops, 'f', 5, 64),
			strconv.FormatFloat(e.Rtt, 'f', 5, 64),
			strconv.FormatInt(e.NextPingTime.Unix(), 10),
			strconv.FormatInt(e.LastUseTime.Unix(), 10),
		}
		fields = append(fields, e.Hostnames()...)
		if _, err := io.WriteString(w, strings.Join(fields, " ")+"\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReloadState loads path written by SaveState, forcing pings_sent and
// pings_recv to 1 to down-weight the resumed state (spec.md §4.1, §8
// testable property; net_db.cc's netdbReloadState). Malformed lines and
// networks already present are skipped.
func (db *DB) ReloadState(path string) error {
	if path == "" || path == "none" {
		return nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("netdb: reload_state: %w", err)
	}
	defer f.Close()

	db.mu.Lock()
	defer db.mu.Unlock()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 7 {
			continue
		}
		network := fields[0]
		if _, exists := db.networks[network]; exists {
			continue
		}
		pingsRecv, err := strconv.Atoi(fields[2])
		if err != nil || pingsRecv <= 0 {
			continue
		}
		hops, err1 := strconv.ParseFloat(fields[3], 64)
		rtt, err2 := strconv.ParseFloat(fields[4], 64)
		nextPing, err3 := strconv.ParseInt(fields[5], 10, 64)
		lastUse, err4 := strconv.ParseInt(fields[6], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}

		e := &Entry{
			Network:      network,
			Hops:         hops,
			Rtt:          rtt,
			PingsSent:    1,
			PingsRecv:    1,
			NextPingTime: unixTime(nextPing),
			LastUseTime:  unixTime(lastUse),
			hosts:        make(map[string]struct{}),
		}
		db.networks[network] = e

		for _, h := range fields[7:] {
			if _, exists := db.hosts[h]; exists {
				continue
			}
			db.hosts[h] = &hostRecord{hostname: h, network: e}
			e.hosts[h] = struct{}{}
		}
	}
	return sc.Err()
}
