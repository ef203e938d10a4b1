package results

import (
	"path/filepath"
	"strings"
	"time"
)

// SchemaVersion identifies the column layout of Header. It is bumped whenever a column is added or removed.
const SchemaVersion = "1"

// Header is the first line of every result file.
var Header = strings.Join([]string{
	"num_clients", "offered_load", "throughput", "goodput", "cpu",
	"min", "mean", "p50", "p90", "p99", "p999", "p9999", "max",
	"reject_min", "reject_mean", "reject_p50", "reject_p99",
	"p1_credit", "mean_credit", "p99_credit",
	"p1_q", "mean_q", "p99_q", "mean_stime", "p99_stime",
	"server:rx_pps", "server:tx_pps", "server:rx_bps", "server:tx_bps", "server:rx_drops_pps", "server:rx_ooo_pps",
	"server:cupdate_rx_pps", "server:ecredit_tx_pps", "server:credit_tx_cps",
	"server:req_rx_pps", "server:req_drop_rate", "server:resp_tx_pps",
	"client:min_tput", "client:max_tput",
	"client:ecredit_rx_pps", "client:cupdate_tx_pps",
	"client:resp_rx_pps", "client:req_tx_pps",
	"client:credit_expired_cps", "client:req_dropped_rps",
}, ",")

const (
	dateLayout = "01_02_2006"
	timeLayout = "15_04-05-"
)

// Paths are the local files written by one run.
type Paths struct {
	// Directory of the day the run started in
	Dir      string
	Result   string
	Raw      string
	Manifest string
}

// OutputPaths names the files of a run started at now. Files live in a per-day directory under dir and start with
// the time of day, so runs with the same prefix do not collide.
func OutputPaths(dir string, prefix string, now time.Time) Paths {
	day := filepath.Join(dir, now.Format(dateLayout))
	stamp := now.Format(timeLayout)
	return Paths{
		Dir:      day,
		Result:   filepath.Join(day, stamp+prefix+".csv"),
		Raw:      filepath.Join(day, stamp+"all_tasks_"+prefix+".csv"),
		Manifest: filepath.Join(day, stamp+prefix+".yaml"),
	}
}
