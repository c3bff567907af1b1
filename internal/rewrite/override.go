package rewrite

import (
	"net/url"
	"strings"
	"text/template"

	"game-proxy-go/internal/codec"
)

// overrideData is substituted into overrideTemplate. Every value is written
// through the js escaper inside a double-quoted string literal.
type overrideData struct {
	ProxyBase      string
	OriginalOrigin string
	OriginalBase   string
	Key            string
	Obfuscate      bool
}

var overrideTemplate = template.Must(template.New("override").Parse(`<script data-proxy-override>
(function () {
  "use strict";
  var PROXY_BASE = "{{js .ProxyBase}}";
  var ORIGINAL_ORIGIN = "{{js .OriginalOrigin}}";
  var ORIGINAL_BASE = "{{js .OriginalBase}}";
  var KEY = "{{js .Key}}";
  var OBFUSCATE = {{if .Obfuscate}}true{{else}}false{{end}};
  var SKIP = ["data:", "blob:", "javascript:", "about:", "chrome-extension:", "moz-extension:", "safari-extension:"];

  function encode(url) {
    if (!OBFUSCATE) {
      return encodeURIComponent(url);
    }
    var bytes = unescape(encodeURIComponent(url));
    var key = unescape(encodeURIComponent(KEY));
    var out = "";
    for (var i = 0; i < bytes.length; i++) {
      out += String.fromCharCode(bytes.charCodeAt(i) ^ key.charCodeAt(i % key.length));
    }
    return encodeURIComponent(btoa(out));
  }

  function urlToString(url) {
    if (typeof url === "string") {
      return url;
    }
    if (url && typeof URL !== "undefined" && url instanceof URL) {
      return url.href;
    }
    return null;
  }

  function shouldProxy(url) {
    if (!url || typeof url !== "string") {
      return false;
    }
    var u = url.trim();
    if (u === "" || u.charAt(0) === "#") {
      return false;
    }
    var lower = u.toLowerCase();
    for (var i = 0; i < SKIP.length; i++) {
      if (lower.indexOf(SKIP[i]) === 0) {
        return false;
      }
    }
    return u.indexOf(PROXY_BASE) !== 0;
  }

  function absolutize(url) {
    var u = url.trim();
    if (u.indexOf("//") === 0) {
      return "https:" + u;
    }
    if (u.charAt(0) === "/") {
      return ORIGINAL_ORIGIN + u;
    }
    if (/^https?:\/\//i.test(u)) {
      return u;
    }
    return new URL(u, ORIGINAL_BASE).href;
  }

  function proxyUrl(url) {
    try {
      var s = urlToString(url);
      if (!shouldProxy(s)) {
        return url;
      }
      var abs = absolutize(s);
      if (!/^https?:\/\//i.test(abs)) {
        return url;
      }
      return PROXY_BASE + "/p/" + encode(abs);
    } catch (e) {
      return url;
    }
  }

  function socketUrl(url) {
    try {
      var s = urlToString(url);
      if (!s || s.indexOf(PROXY_BASE.replace(/^http/, "ws")) === 0) {
        return url;
      }
      var target = s.replace(/^wss:/i, "https:").replace(/^ws:/i, "http:");
      if (!/^https?:\/\//i.test(target)) {
        target = absolutize(target);
      }
      return PROXY_BASE.replace(/^http/, "ws") + "/ws/" + encode(target);
    } catch (e) {
      return url;
    }
  }

  function entryUrl(url) {
    try {
      var s = urlToString(url);
      if (!shouldProxy(s)) {
        return url;
      }
      return PROXY_BASE + "/play/" + absolutize(s);
    } catch (e) {
      return url;
    }
  }

  function interceptSrc(proto) {
    try {
      var desc = Object.getOwnPropertyDescriptor(proto, "src");
      if (!desc || !desc.set) {
        return;
      }
      Object.defineProperty(proto, "src", {
        configurable: true,
        enumerable: desc.enumerable,
        get: desc.get,
        set: function (value) {
          desc.set.call(this, proxyUrl(value));
        }
      });
    } catch (e) {}
  }

  try {
    var originalFetch = window.fetch;
    if (originalFetch) {
      window.fetch = function (input, init) {
        try {
          if (typeof Request !== "undefined" && input instanceof Request) {
            var proxied = proxyUrl(input.url);
            if (proxied !== input.url) {
              input = new Request(proxied, input);
            }
          } else {
            input = proxyUrl(input);
          }
        } catch (e) {}
        return originalFetch.call(this, input, init);
      };
    }
  } catch (e) {}

  try {
    var originalOpen = XMLHttpRequest.prototype.open;
    XMLHttpRequest.prototype.open = function (method, url) {
      var args = Array.prototype.slice.call(arguments);
      try {
        args[1] = proxyUrl(url);
      } catch (e) {}
      return originalOpen.apply(this, args);
    };
  } catch (e) {}

  if (typeof HTMLImageElement !== "undefined") {
    interceptSrc(HTMLImageElement.prototype);
  }
  if (typeof HTMLMediaElement !== "undefined") {
    interceptSrc(HTMLMediaElement.prototype);
  }

  try {
    var originalCreateElement = document.createElement;
    document.createElement = function (tagName, options) {
      var el = originalCreateElement.call(document, tagName, options);
      try {
        var tag = String(tagName).toLowerCase();
        if (tag === "script" || tag === "link" || tag === "img" || tag === "iframe") {
          var proto = Object.getPrototypeOf(el);
          var desc = Object.getOwnPropertyDescriptor(proto, "src");
          if (desc && desc.set) {
            Object.defineProperty(el, "src", {
              configurable: true,
              enumerable: true,
              get: function () { return desc.get.call(el); },
              set: function (value) { desc.set.call(el, proxyUrl(value)); }
            });
          }
        }
      } catch (e) {}
      return el;
    };
  } catch (e) {}

  try {
    var OriginalWebSocket = window.WebSocket;
    if (OriginalWebSocket) {
      var ProxiedWebSocket = function (url, protocols) {
        var target = socketUrl(url);
        return protocols === undefined ? new OriginalWebSocket(target) : new OriginalWebSocket(target, protocols);
      };
      ProxiedWebSocket.prototype = OriginalWebSocket.prototype;
      ProxiedWebSocket.CONNECTING = OriginalWebSocket.CONNECTING;
      ProxiedWebSocket.OPEN = OriginalWebSocket.OPEN;
      ProxiedWebSocket.CLOSING = OriginalWebSocket.CLOSING;
      ProxiedWebSocket.CLOSED = OriginalWebSocket.CLOSED;
      window.WebSocket = ProxiedWebSocket;
    }
  } catch (e) {}

  try {
    var originalWindowOpen = window.open;
    window.open = function (url) {
      var args = Array.prototype.slice.call(arguments);
      try {
        if (args.length > 0 && url) {
          args[0] = entryUrl(url);
        }
      } catch (e) {}
      return originalWindowOpen.apply(window, args);
    };
  } catch (e) {}
})();
</script>`))

// OverrideScript renders the <script> element that patches fetch, XMLHttpRequest,
// media src setters, createElement, WebSocket and window.open so that requests
// issued at runtime by the page are routed through proxyBase. Any failure inside
// the patches falls back to the unmodified argument.
func OverrideScript(proxyBase string, base *url.URL, c *codec.Codec) string {
	data := overrideData{
		ProxyBase:      proxyBase,
		OriginalOrigin: Origin(base),
		OriginalBase:   Directory(base),
		Key:            c.Key(),
		Obfuscate:      c.Mode() == codec.ModeXOR,
	}
	if !data.Obfuscate {
		data.Key = ""
	}

	var sb strings.Builder
	if err := overrideTemplate.Execute(&sb, data); err != nil {
		// The template and its data are fixed; failure here is a programming error.
		panic(err)
	}
	return sb.String()
}
