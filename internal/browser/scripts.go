package browser

import (
	"encoding/json"
	"fmt"

	"github.com/loopdesk/poit-crawler/internal/poit"
)

// Page scripts, built once from the marker constants so selector drift is
// fixed in one place. Each script is a single expression returning a JSON
// value.
var (
	scriptDetectBlock = fmt.Sprintf(`(() => {
  const body = document.body ? document.body.innerText : "";
  return Boolean(document.querySelector(%q)) || body.includes(%q);
})()`, poit.BlockAnswerSelector, poit.BlockBodyPhrase)

	scriptCaptchaImage = `(() => {
  const img = Array.from(document.querySelectorAll("img")).find((i) => (i.src || "").includes("base64"));
  return img ? img.src : "";
})()`

	scriptDismissCookieBanner = fmt.Sprintf(`(() => {
  const selectors = %s;
  for (const sel of selectors) {
    const btn = document.querySelector(sel);
    if (btn && btn.offsetParent !== null) {
      btn.click();
      return true;
    }
  }
  return false;
})()`, jsStrings(poit.CookieBannerSelectors))

	scriptHasSearchInputs = fmt.Sprintf(`(() => {
  const selectors = %s;
  return selectors.some((sel) => Boolean(document.querySelector(sel)));
})()`, jsStrings(append(append([]string{}, poit.NameInputSelectors...), poit.OrgInputSelectors...)))

	scriptClickSearchLink = fmt.Sprintf(`(() => {
  const a = Array.from(document.querySelectorAll("a")).find((el) => (el.innerText || "").includes(%q));
  if (!a) return false;
  a.click();
  return true;
})()`, poit.SearchLinkText)

	// scriptForceClickSearchLink dispatches a synthetic click so an overlay
	// covering the link cannot swallow it.
	scriptForceClickSearchLink = fmt.Sprintf(`(() => {
  const a = Array.from(document.querySelectorAll("a")).find((el) => (el.innerText || "").includes(%q));
  if (!a) return false;
  a.dispatchEvent(new MouseEvent("click", { bubbles: true, cancelable: true, view: window }));
  if (a.href) window.location.assign(a.href);
  return true;
})()`, poit.SearchLinkText)

	scriptBodyText = `(() => document.body ? document.body.innerText : "")()`
)

// jsStrings renders a Go string slice as a JavaScript array literal.
func jsStrings(values []string) string {
	encoded, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
