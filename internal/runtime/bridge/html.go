package bridge

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
)

// document backs one cheerio.load result
type document struct {
	vm      *goja.Runtime
	root    *goquery.Document
	wrapped map[*goja.Object]*goquery.Selection
}

func cheerioLoad(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		root, err := goquery.NewDocumentFromReader(strings.NewReader(call.Argument(0).String()))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		d := &document{vm: vm, root: root, wrapped: make(map[*goja.Object]*goquery.Selection)}

		dollar := vm.ToValue(d.query).(*goja.Object)
		_ = dollar.Set("html", func() string {
			out, _ := root.Html()
			return out
		})
		_ = dollar.Set("text", func() string { return strings.TrimSpace(root.Text()) })
		_ = dollar.Set("root", func() *goja.Object { return d.wrap(root.Selection) })
		return dollar
	}
}

// query implements $(selector[, context]) and $(element)
func (d *document) query(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if obj, ok := arg.(*goja.Object); ok {
		if sel, ok := d.wrapped[obj]; ok {
			return d.wrap(sel)
		}
	}
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return d.wrap(d.root.Selection.Slice(0, 0))
	}

	scope := d.root.Selection
	if obj, ok := call.Argument(1).(*goja.Object); ok {
		if sel, ok := d.wrapped[obj]; ok {
			scope = sel
		}
	}
	return d.wrap(scope.Find(arg.String()))
}

func (d *document) wrap(sel *goquery.Selection) *goja.Object {
	vm := d.vm
	obj := vm.NewObject()
	d.wrapped[obj] = sel

	_ = obj.Set("length", sel.Length())
	_ = obj.Set("text", func() string { return strings.TrimSpace(sel.Text()) })
	_ = obj.Set("html", func() string {
		out, _ := sel.Html()
		return out
	})
	_ = obj.Set("attr", func(name string) goja.Value {
		v, ok := sel.Attr(name)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = obj.Set("hasClass", func(class string) bool { return sel.HasClass(class) })
	_ = obj.Set("is", func(selector string) bool { return sel.Is(selector) })

	_ = obj.Set("find", func(selector string) *goja.Object { return d.wrap(sel.Find(selector)) })
	_ = obj.Set("filter", func(selector string) *goja.Object { return d.wrap(sel.Filter(selector)) })
	_ = obj.Set("first", func() *goja.Object { return d.wrap(sel.First()) })
	_ = obj.Set("last", func() *goja.Object { return d.wrap(sel.Last()) })
	_ = obj.Set("eq", func(i int) *goja.Object { return d.wrap(sel.Eq(i)) })
	_ = obj.Set("parent", func() *goja.Object { return d.wrap(sel.Parent()) })
	_ = obj.Set("children", func() *goja.Object { return d.wrap(sel.Children()) })
	_ = obj.Set("next", func() *goja.Object { return d.wrap(sel.Next()) })
	_ = obj.Set("prev", func() *goja.Object { return d.wrap(sel.Prev()) })

	_ = obj.Set("each", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("each expects a function"))
		}
		for i := range sel.Nodes {
			item := d.wrap(sel.Eq(i))
			ret, err := fn(item, vm.ToValue(i), item)
			if err != nil {
				panic(err)
			}
			// returning false stops the loop
			if ret != nil && ret.StrictEquals(vm.ToValue(false)) {
				break
			}
		}
		return obj
	})
	_ = obj.Set("map", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("map expects a function"))
		}
		out := make([]any, 0, len(sel.Nodes))
		for i := range sel.Nodes {
			item := d.wrap(sel.Eq(i))
			ret, err := fn(item, vm.ToValue(i), item)
			if err != nil {
				panic(err)
			}
			if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
				continue
			}
			out = append(out, ret)
		}
		return vm.NewArray(out...)
	})
	_ = obj.Set("toArray", func() []any {
		out := make([]any, 0, len(sel.Nodes))
		for i := range sel.Nodes {
			out = append(out, d.wrap(sel.Eq(i)))
		}
		return out
	})
	return obj
}

// selectCSS backs html.select
func selectCSS(src, selector string) ([]map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		inner, _ := s.Html()
		attrs := make(map[string]any)
		if len(s.Nodes) > 0 {
			for _, a := range s.Nodes[0].Attr {
				attrs[a.Key] = a.Val
			}
		}
		out = append(out, map[string]any{
			"text":  strings.TrimSpace(s.Text()),
			"html":  inner,
			"attrs": attrs,
		})
	})
	return out, nil
}

// selectXPath backs html.xpath
func selectXPath(src, expr string) ([]map[string]any, error) {
	doc, err := htmlquery.Parse(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	nodes, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, map[string]any{
			"text": strings.TrimSpace(htmlquery.InnerText(node)),
			"html": htmlquery.OutputHTML(node, true),
		})
	}
	return out, nil
}
