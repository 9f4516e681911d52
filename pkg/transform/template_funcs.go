package transform

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"math"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

var errNoResolver = errors.New("document() is only available while a transform runs")

// templateFuncs builds the function map for one execution. resolver is nil
// at compile time; the document function then only exists so that parsing
// accepts references to it.
func templateFuncs(html bool, resolver Resolver, base string) map[string]any {
	funcs := map[string]any{
		"xpath":  selectAll,
		"first":  selectFirst,
		"value":  evaluateString,
		"attr":   attrValue,
		"text":   textValue,
		"name":   nodeName,
		"escape": escapeXML,
		"document": func(href string) (*xmlquery.Node, error) {
			return loadDocument(resolver, href, base)
		},
	}
	if html {
		funcs["copy"] = func(n *xmlquery.Node) htmltemplate.HTML {
			//nolint:gosec // copy-of emits the input markup verbatim
			return htmltemplate.HTML(copyNode(n))
		}
	} else {
		funcs["copy"] = copyNode
	}
	return funcs
}

func selectAll(n *xmlquery.Node, expr string) ([]*xmlquery.Node, error) {
	if n == nil {
		return nil, nil
	}
	return xmlquery.QueryAll(n, expr)
}

func selectFirst(n *xmlquery.Node, expr string) (*xmlquery.Node, error) {
	if n == nil {
		return nil, nil
	}
	return xmlquery.Query(n, expr)
}

// evaluateString evaluates expr with n as context node and converts the
// result to a string the way XPath string() does.
func evaluateString(n *xmlquery.Node, expr string) (string, error) {
	if n == nil {
		return "", nil
	}
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("xpath %q: %w", expr, err)
	}

	switch v := compiled.Evaluate(xmlquery.CreateXPathNavigator(n)).(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return formatNumber(v), nil
	case *xpath.NodeIterator:
		if v.MoveNext() {
			return v.Current().Value(), nil
		}
		return "", nil
	default:
		return fmt.Sprint(v), nil
	}
}

func formatNumber(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func attrValue(n *xmlquery.Node, name string) string {
	if n == nil {
		return ""
	}
	return n.SelectAttr(name)
}

func textValue(n *xmlquery.Node) string {
	if n == nil {
		return ""
	}
	return n.InnerText()
}

func nodeName(n *xmlquery.Node) string {
	if n == nil || n.Type != xmlquery.ElementNode {
		return ""
	}
	if n.Prefix != "" {
		return n.Prefix + ":" + n.Data
	}
	return n.Data
}

func copyNode(n *xmlquery.Node) string {
	if n == nil {
		return ""
	}
	return n.OutputXML(true)
}

func escapeXML(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

func loadDocument(resolver Resolver, href, base string) (*xmlquery.Node, error) {
	if resolver == nil {
		return nil, errNoResolver
	}
	res, found, err := resolver.Resolve(href, base)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("document %q not found", href)
	}
	doc, err := xmlquery.Parse(bytes.NewReader(res.Data))
	if err != nil {
		return nil, fmt.Errorf("parse document %s: %w", res.Path, err)
	}
	return doc, nil
}
