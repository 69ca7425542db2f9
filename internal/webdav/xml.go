package webdav

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// The structs below are hand-rolled over encoding/xml rather than any
// general-purpose WebDAV library: spec.md §4.8 pins the exact element
// shapes a real SVN client demands (bare "200 OK" status text, a
// baseline-relative-path stripped of the mount prefix, a fixed namespace
// prefix scheme), which no library in the retrieval pack attempts to
// produce. See DESIGN.md's internal/webdav entry for the full rationale.

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// isoDate renders a commit timestamp the way spec.md §4.8's log-report
// requires: ISO-8601 with microseconds and a trailing "Z".
func isoDate(unixSeconds int64) string {
	t := time.Unix(unixSeconds, 0).UTC()
	return t.Format("2006-01-02T15:04:05.000000Z")
}

// --- PROPFIND / 207 Multi-Status ---

type multistatus struct {
	XMLName   xml.Name   `xml:"D:multistatus"`
	XmlnsD    string     `xml:"xmlns:D,attr"`
	XmlnsSVN  string     `xml:"xmlns:svn,attr,omitempty"`
	Responses []response `xml:"D:response"`
}

type response struct {
	XMLName  xml.Name   `xml:"D:response"`
	Href     string     `xml:"D:href"`
	Propstat []propstat `xml:"D:propstat"`
}

type propstat struct {
	XMLName xml.Name `xml:"D:propstat"`
	Prop    prop     `xml:"D:prop"`
	Status  string   `xml:"D:status"`
}

// prop is built by hand per response rather than as a fixed struct,
// since the set of requested properties varies by Depth and by client
// (some ask for allprop, some name specific properties). propBuilder
// accumulates raw XML fragments and prop.Inner (an innerxml field) replays
// them verbatim.
type prop struct {
	XMLName xml.Name `xml:"D:prop"`
	Inner   string   `xml:",innerxml"`
}

type propBuilder struct {
	buf []byte
}

func (b *propBuilder) raw(fragment string) {
	b.buf = append(b.buf, fragment...)
}

func (b *propBuilder) element(name, text string) {
	b.raw(fmt.Sprintf("<%s>%s</%s>", name, xmlEscape(text), name))
}

func (b *propBuilder) hrefElement(name, hrefText string) {
	b.raw(fmt.Sprintf("<%s><D:href>%s</D:href></%s>", name, xmlEscape(hrefText), name))
}

func (b *propBuilder) empty(name string) {
	b.raw(fmt.Sprintf("<%s/>", name))
}

var xmlCharEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func xmlEscape(s string) string {
	return xmlCharEscaper.Replace(s)
}

func renderMultistatus(responses []response) string {
	ms := multistatus{XmlnsD: "DAV:", XmlnsSVN: "svn:", Responses: responses}
	buf, err := xml.MarshalIndent(ms, "", "  ")
	if err != nil {
		return xmlHeader
	}
	return xmlHeader + string(buf) + "\n"
}

func okPropstat(p *propBuilder) []propstat {
	return []propstat{{
		Prop:   prop{Inner: string(p.buf)},
		Status: "200 OK",
	}}
}

// --- MERGE response ---

type mergeResponse struct {
	XMLName        xml.Name         `xml:"D:merge-response"`
	XmlnsD         string           `xml:"xmlns:D,attr"`
	UpdatedSetHref string           `xml:"D:updated-set>D:response>D:href"`
	VersionName    string           `xml:"D:updated-set>D:response>D:propstat>D:prop>D:version-name"`
	Status         string           `xml:"D:updated-set>D:response>D:propstat>D:status"`
}

func renderMergeResponse(prefix string, rev uint64, path string) string {
	m := mergeResponse{
		XmlnsD:         "DAV:",
		UpdatedSetHref: publicHref(prefix, path),
		VersionName:    fmt.Sprintf("%d", rev),
		Status:         "200 OK",
	}
	buf, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return xmlHeader
	}
	return xmlHeader + string(buf) + "\n"
}

// --- error body ---

type davError struct {
	XMLName xml.Name `xml:"D:error"`
	XmlnsD  string   `xml:"xmlns:D,attr"`
	Message string   `xml:"svn:human-readable"`
}

func renderDAVError(message string) string {
	e := davError{XmlnsD: "DAV:", Message: message}
	buf, err := xml.MarshalIndent(e, "", "  ")
	if err != nil {
		return xmlHeader
	}
	return xmlHeader + string(buf) + "\n"
}

// --- log-report ---

type logReportXML struct {
	XMLName  xml.Name      `xml:"S:log-report"`
	XmlnsS   string        `xml:"xmlns:S,attr"`
	XmlnsD   string        `xml:"xmlns:D,attr"`
	LogItems []logItemXML  `xml:"S:log-item"`
}

type logItemXML struct {
	VersionName string           `xml:"D:version-name"`
	Creator     string           `xml:"D:creator-displayname"`
	Date        string           `xml:"S:date"`
	Comment     string           `xml:"D:comment"`
	Paths       []logPathXML     `xml:"S:path"`
}

type logPathXML struct {
	Action string `xml:"action,attr"`
	Text   string `xml:",chardata"`
}

func renderLogReport(items []logItemXML) string {
	r := logReportXML{XmlnsS: "svn:", XmlnsD: "DAV:", LogItems: items}
	buf, err := xml.MarshalIndent(r, "", "  ")
	if err != nil {
		return xmlHeader
	}
	return xmlHeader + string(buf) + "\n"
}

// --- update-report (editor drive) ---

func renderUpdateReport(targetRev uint64, innerXML string) string {
	type wrapper struct {
		XMLName xml.Name `xml:"S:update-report"`
		XmlnsS  string   `xml:"xmlns:S,attr"`
		XmlnsD  string   `xml:"xmlns:D,attr"`
		Inner   string   `xml:",innerxml"`
	}
	w := wrapper{
		XmlnsS: "svn:",
		XmlnsD: "DAV:",
		Inner:  fmt.Sprintf(`<S:target-revision rev="%d"/>`, targetRev) + innerXML,
	}
	buf, err := xml.MarshalIndent(w, "", "  ")
	if err != nil {
		return xmlHeader
	}
	return xmlHeader + string(buf) + "\n"
}
