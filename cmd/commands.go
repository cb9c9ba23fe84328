package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	tmon "github.com/jinmuyano/trafficmon"
	"github.com/jinmuyano/trafficmon/config"
	"github.com/jinmuyano/trafficmon/metrics"
	"github.com/jinmuyano/trafficmon/query"
	"github.com/jinmuyano/trafficmon/store"
)

func runQuery(cfg *config.Config, log *zap.SugaredLogger, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var (
		session  = fs.String("session", "", "session id")
		protocol = fs.String("protocol", "", "comma separated: TCP,UDP,ICMP,OTHER")
		process  = fs.String("process", "", "process name")
		minDown  = fs.String("min-down", "", "minimum download speed in KB/s")
		limit    = fs.Int("limit", 0, "maximum number of rows")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(cfg, log, metrics.Nop())
	if err != nil {
		return err
	}
	defer a.close(log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "sessions":
		sessions, err := a.monitor.ListSessions(ctx)
		if err != nil {
			return err
		}
		rows := make([]sessionRow, 0, len(sessions))
		for _, s := range sessions {
			rows = append(rows, rowOf(s))
		}
		printSessions(os.Stdout, rows)

	case "records":
		f, err := parseFilter(*session, *protocol, *process, *minDown, *limit)
		if err != nil {
			return err
		}
		views, err := a.monitor.FilteredRecords(ctx, f)
		if err != nil {
			return err
		}
		printRecords(os.Stdout, views)

	case "delete":
		ids, err := parseIDs(fs.Args())
		if err != nil {
			return err
		}
		if err := a.monitor.DeleteSessions(ctx, ids); err != nil {
			return err
		}
		fmt.Printf("deleted %d session(s)\n", len(ids))

	case "top":
		f, err := parseFilter(*session, "", "", "", *limit)
		if err != nil {
			return err
		}
		usage, err := a.monitor.ProcessRank(ctx, f.SessionID, f.Limit)
		if err != nil {
			return err
		}
		printUsage(os.Stdout, usage)

	case "cleanup":
		res, err := a.monitor.Cleanup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("records before=%d deleted=%d after=%d\n", res.Before, res.Deleted, res.After)
	}
	return nil
}

// parseIDs accepts "3 5 7" as well as "3,5,7".
func parseIDs(args []string) ([]int64, error) {
	var ids []int64
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := cast.ToInt64E(part)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid session id %q", part)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no session ids given")
	}
	return ids, nil
}

func parseFilter(session, protocols, process, minDown string, limit int) (query.Filter, error) {
	f := query.Filter{
		ProcessName: strings.TrimSpace(process),
		Limit:       limit,
	}
	for _, p := range strings.Split(protocols, ",") {
		if p = strings.TrimSpace(p); p != "" {
			f.Protocols = append(f.Protocols, p)
		}
	}
	if session != "" {
		id, err := cast.ToInt64E(session)
		if err != nil {
			return query.Filter{}, fmt.Errorf("invalid -session %q", session)
		}
		f.SessionID = &id
	}
	if minDown != "" {
		v, err := cast.ToFloat64E(minDown)
		if err != nil || v < 0 {
			return query.Filter{}, fmt.Errorf("invalid -min-down %q", minDown)
		}
		f.MinDownSpeed = &v
	}
	return f, nil
}

type sessionRow struct {
	display, id int64
	iface       string
	start, end  string
	duration    int64
	avgDown     float64
	avgUp       float64
	records     int64
}

func rowOf(s tmon.Session) sessionRow {
	end := "running"
	if s.EndTime != nil {
		end = s.EndTime.Local().Format(time.DateTime)
	}
	return sessionRow{
		display:  s.DisplayID,
		id:       s.SessionID,
		iface:    s.IfaceName,
		start:    s.StartTime.Local().Format(time.DateTime),
		end:      end,
		duration: s.DurationSeconds,
		avgDown:  s.AvgDownSpeed,
		avgUp:    s.AvgUpSpeed,
		records:  s.RecordCount,
	}
}

func printSessions(out io.Writer, rows []sessionRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tIFACE\tSTART\tEND\tSECONDS\tAVG DOWN KB/s\tAVG UP KB/s\tRECORDS")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%.2f\t%.2f\t%d\n",
			r.display, r.id, r.iface, r.start, r.end, r.duration, r.avgDown, r.avgUp, r.records)
	}
	w.Flush()
}

func printRecords(out io.Writer, views []tmon.RecordView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tIFACE\tDOWN KB/s\tUP KB/s\tSOURCE\tDEST\tPROTO\tPROCESS")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%s\t%s\t%s\t%s\n",
			v.RecordTime.Local().Format(time.DateTime), v.IfaceName, v.DownSpeed, v.UpSpeed,
			orDash(v.SourceIP), orDash(v.DestIP), orDash(v.Protocol), orDash(v.ProcessName))
	}
	w.Flush()
}

func printUsage(out io.Writer, usage []store.ProcessUsage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROCESS\tRECORDS\tDOWN MB\tUP MB\tMAX DOWN KB/s\tMAX UP KB/s")
	for _, u := range usage {
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\n",
			u.ProcessName, u.Records,
			float64(u.TotalDownBytes)/1024/1024, float64(u.TotalUpBytes)/1024/1024,
			u.MaxDownSpeed, u.MaxUpSpeed)
	}
	w.Flush()
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
