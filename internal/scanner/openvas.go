package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/model"
)

const defaultOpenVASPoll = 30 * time.Second

// result names that OpenVAS reports on nearly every host and that nobody acts on
var openvasNoise = []string{
	"httpOnly",
	"Certificate Expired",
	"Weak Encryption",
	"Missing `secure`",
	"VNC Server Unencrypted",
	"Weak Cipher",
	"Vulnerable Cipher",
}

// OpenVAS talks to the HTTP bridge in front of gvmd: create a target and a
// task, start it, poll until it settles, then pull the XML report.
type OpenVAS struct {
	s    Settings
	mode model.Mode
	hc   *http.Client
}

func NewOpenVAS(s Settings, mode model.Mode) Scanner {
	return &OpenVAS{s: s, mode: mode, hc: s.httpClient()}
}

func (o *OpenVAS) Name() string        { return "openvas" }
func (o *OpenVAS) Conflicts() []string { return []string{"openvas"} }

func (o *OpenVAS) Prepare(t model.Target, opts model.Options) (*Plan, error) {
	return &Plan{
		Scanner: o.Name(),
		Target:  t,
		Mode:    o.mode,
		Command: strings.TrimRight(o.s.OpenVASURL, "/"),
		Timeout: o.s.timeout(o.Name(), opts),
	}, nil
}

type openvasTask struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	ReportID string `json:"report_id"`
}

func (o *OpenVAS) Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error) {
	base := plan.Command
	if base == "" {
		return nil, fmt.Errorf("%w: OPENVAS_API_URL is not set", ErrScannerUnavailable)
	}
	name := fmt.Sprintf("darkstar %s %d", plan.Target.Value, time.Now().Unix())

	var target openvasTask
	err := o.call(ctx, http.MethodPost, base+"/targets", map[string]any{
		"name":       name,
		"hosts":      []string{plan.Target.Value},
		"port_range": "1-65535",
	}, &target)
	if err != nil {
		return nil, o.classify(ctx, fmt.Errorf("create target: %w", err))
	}

	var task openvasTask
	if err := o.call(ctx, http.MethodPost, base+"/tasks", map[string]any{
		"name":      "Scan for " + name,
		"target_id": target.ID,
	}, &task); err != nil {
		return nil, o.classify(ctx, fmt.Errorf("create task: %w", err))
	}

	var started openvasTask
	if err := o.call(ctx, http.MethodPost, base+"/tasks/"+url.PathEscape(task.ID)+"/start", nil, &started); err != nil {
		return nil, o.classify(ctx, fmt.Errorf("start task: %w", err))
	}
	if started.ReportID == "" {
		return nil, fmt.Errorf("start task %s: no report_id in response", task.ID)
	}
	log.WithFields(log.Fields{"target": plan.Target.Value, "task": task.ID, "report": started.ReportID}).Info("openvas: task started")

	poll := o.s.OpenVASPoll
	if poll <= 0 {
		poll = defaultOpenVASPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// fetch whatever the report holds so far
			fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			raws, ferr := o.report(fetchCtx, plan, started.ReportID)
			if ferr != nil {
				log.WithFields(log.Fields{"target": plan.Target.Value}).Warnf("openvas: partial report: %v", ferr)
			}
			return raws, fmt.Errorf("%w: openvas task %s: %v", ErrScannerTimeout, task.ID, ctx.Err())
		case <-ticker.C:
		}

		var st openvasTask
		if err := o.call(ctx, http.MethodGet, base+"/tasks/"+url.PathEscape(task.ID)+"/status", nil, &st); err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.WithFields(log.Fields{"task": task.ID}).Warnf("openvas: status: %v", err)
			continue
		}
		switch st.Status {
		case "Done", "Stopped", "Interrupted":
			return o.report(ctx, plan, started.ReportID)
		case "Failed":
			raws, _ := o.report(ctx, plan, started.ReportID)
			return raws, fmt.Errorf("openvas task %s failed", task.ID)
		}
	}
}

func (o *OpenVAS) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrScannerTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrScannerUnavailable, err)
	}
	return err
}

func (o *OpenVAS) call(ctx context.Context, method, u string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := o.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type openvasResult struct {
	Name        string `xml:"name" json:"name"`
	Host        string `xml:"host" json:"host"`
	Port        string `xml:"port" json:"port"`
	Threat      string `xml:"threat" json:"threat"`
	Severity    string `xml:"severity" json:"severity"`
	Description string `xml:"description" json:"description"`
	NVT         struct {
		OID  string `xml:"oid,attr" json:"oid"`
		CVE  string `xml:"cve" json:"cve"`
		Refs []struct {
			Type string `xml:"type,attr" json:"type"`
			ID   string `xml:"id,attr" json:"id"`
		} `xml:"refs>ref" json:"refs"`
	} `xml:"nvt" json:"nvt"`
	QoD struct {
		Value string `xml:"value" json:"value"`
	} `xml:"qod" json:"qod"`
}

func (o *OpenVAS) report(ctx context.Context, plan *Plan, reportID string) ([]model.RawFinding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, plan.Command+"/reports/"+url.PathEscape(reportID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch report %s: status %d", reportID, resp.StatusCode)
	}
	return openvasResults(plan, resp.Body)
}

// openvasResults streams <result> elements out of a GMP report.
func openvasResults(plan *Plan, r io.Reader) ([]model.RawFinding, error) {
	var out []model.RawFinding
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("parse report xml: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "result" {
			continue
		}
		var res openvasResult
		if err := dec.DecodeElement(&res, &se); err != nil {
			return out, fmt.Errorf("parse report result: %w", err)
		}
		b, err := json.Marshal(res)
		if err != nil {
			return out, err
		}
		out = append(out, newRaw(plan, "openvas-result", b))
	}
}

func (r openvasResult) cve() string {
	if c := strings.TrimSpace(r.NVT.CVE); model.IsCVE(c) {
		return strings.ToUpper(c)
	}
	for _, ref := range r.NVT.Refs {
		if strings.EqualFold(ref.Type, "cve") && model.IsCVE(ref.ID) {
			return strings.ToUpper(ref.ID)
		}
	}
	return ""
}

func (o *OpenVAS) Parse(raw model.RawFinding) (*model.Finding, error) {
	var r openvasResult
	if err := json.Unmarshal(raw.Payload, &r); err != nil {
		return nil, fmt.Errorf("openvas result: %w", err)
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return nil, fmt.Errorf("openvas result without name")
	}
	for _, skip := range openvasNoise {
		if strings.Contains(name, skip) {
			return nil, nil
		}
	}
	host := strings.TrimSpace(r.Host)
	if host == "" {
		host = raw.Target
	}
	score, _ := strconv.ParseFloat(strings.TrimSpace(r.Severity), 64)
	f := &model.Finding{
		Target:   raw.Target,
		Title:    name,
		Score:    score,
		Severity: model.SeverityFromScore(score),
		Evidence: map[string]string{
			"host":        host,
			"port":        strings.TrimSpace(r.Port),
			"nvt_oid":     r.NVT.OID,
			"threat":      strings.TrimSpace(r.Threat),
			"qod":         strings.TrimSpace(r.QoD.Value),
			"description": strings.TrimSpace(r.Description),
		},
		KeyFields: []string{"host", "port"},
		Scanners:  []string{o.Name()},
		FirstSeen: raw.Timestamp,
	}
	if cve := r.cve(); cve != "" {
		f.Type = model.FindingCVEMatch
		f.Identifier = cve
	} else {
		f.Type = model.FindingMisconfiguration
		f.Identifier = "openvas/" + r.NVT.OID
		if r.NVT.OID == "" {
			f.Identifier = "openvas/" + name
		}
	}
	f.Seal()
	return f, nil
}
