package rewrite

import "testing"

func TestScript(t *testing.T) {
	r, c := newTestRewriter(t)
	ctx := testContext(t, false)
	enc := func(u string) string { return testProxyBase + "/p/" + c.Encode(u) }

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"double quoted absolute",
			`fetch("https://a.com/x.json")`,
			`fetch("` + enc("https://a.com/x.json") + `")`,
		},
		{
			"single quoted absolute",
			`var u = 'http://a.com/y.png';`,
			`var u = '` + enc("http://a.com/y.png") + `';`,
		},
		{
			"template literal untouched",
			"fetch(`${base}/x.json`)",
			"fetch(`${base}/x.json`)",
		},
		{
			"interpolation marker untouched",
			`var u = "https://a.com/${id}";`,
			`var u = "https://a.com/${id}";`,
		},
		{
			"backslash untouched",
			`var u = "https://a.com/x\\y";`,
			`var u = "https://a.com/x\\y";`,
		},
		{
			"mismatched quotes untouched",
			`var u = 'https://a.com/x";`,
			`var u = 'https://a.com/x";`,
		},
		{
			"relative untouched",
			`fetch('/api/data')`,
			`fetch('/api/data')`,
		},
		{
			"protocol relative untouched",
			`load("//cdn.a.com/x.js")`,
			`load("//cdn.a.com/x.js")`,
		},
		{
			"proxy base untouched",
			`fetch("http://proxy.test/p/abc")`,
			`fetch("http://proxy.test/p/abc")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(r.Script([]byte(tt.in), ctx)); got != tt.want {
				t.Errorf("Script() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}
