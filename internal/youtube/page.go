package youtube

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/rolledback/cloudgate/internal/provider"
)

// playerConfig extracts the ytInitialPlayerResponse JSON object embedded in
// one of the watch page's inline scripts.
func playerConfig(page string) (string, error) {
	const marker = "ytInitialPlayerResponse"
	for _, script := range inlineScripts(page) {
		idx := strings.Index(script, marker)
		if idx < 0 {
			continue
		}
		rest := script[idx+len(marker):]
		brace := strings.IndexByte(rest, '{')
		if brace < 0 {
			continue
		}
		object, ok := balancedJSON(rest[brace:])
		if !ok {
			continue
		}
		return object, nil
	}
	return "", fmt.Errorf("ytInitialPlayerResponse not found: %w", provider.ErrParse)
}

var playerURLRe = regexp.MustCompile(`"(?:jsUrl|PLAYER_JS_URL)"\s*:\s*"(/s/player/[^"]+)"`)

// playerURL finds the player script location referenced by the watch page,
// either as a script src or inside the embedded config.
func playerURL(page string) (string, error) {
	if src, ok := playerScriptSrc(page); ok {
		return absolutePlayerURL(src), nil
	}
	if m := playerURLRe.FindStringSubmatch(page); m != nil {
		return absolutePlayerURL(m[1]), nil
	}
	return "", fmt.Errorf("player script url not found: %w", provider.ErrParse)
}

func absolutePlayerURL(path string) string {
	if strings.HasPrefix(path, "http") {
		return path
	}
	return "https://www.youtube.com" + path
}

// inlineScripts walks the page and returns the text of every inline
// <script> element.
func inlineScripts(page string) []string {
	var scripts []string
	tokenizer := html.NewTokenizer(strings.NewReader(page))
	inScript := false
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return scripts
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			inScript = string(name) == "script"
		case html.EndTagToken:
			inScript = false
		case html.TextToken:
			if inScript {
				scripts = append(scripts, string(tokenizer.Text()))
			}
		}
	}
}

// playerScriptSrc looks for <script src="/s/player/..."> on the page.
func playerScriptSrc(page string) (string, bool) {
	tokenizer := html.NewTokenizer(strings.NewReader(page))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			if string(name) != "script" || !hasAttr {
				continue
			}
			for {
				key, value, more := tokenizer.TagAttr()
				if string(key) == "src" && strings.Contains(string(value), "/s/player/") {
					return string(value), true
				}
				if !more {
					break
				}
			}
		}
	}
}

// balancedJSON returns the prefix of s forming one balanced JSON object,
// respecting string literals and escapes.
func balancedJSON(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
