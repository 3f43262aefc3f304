package search

import (
	"encoding/json"
	"fmt"

	"github.com/loopdesk/poit-crawler/internal/poit"
)

// Page scripts, fixed at init from the marker constants. Each returns a
// JSON value.
var (
	scriptFindNameInput = findInputScript(poit.NameInputSelectors)
	scriptFindOrgInput  = findInputScript(poit.OrgInputSelectors)

	scriptDispatchNameEvents = dispatchEventsScript(poit.NameInputSelectors)
	scriptDispatchOrgEvents  = dispatchEventsScript(poit.OrgInputSelectors)

	// scriptClickSubmit resolves to "clicked", "disabled" or "missing".
	scriptClickSubmit = fmt.Sprintf(`(() => {
  const btn = Array.from(document.querySelectorAll("button")).find((b) => (b.innerText || "").includes(%q));
  if (!btn) return "missing";
  if (btn.disabled) return "disabled";
  btn.click();
  return "clicked";
})()`, poit.SearchLinkText)

	// scriptCollectResults extracts one entry per distinct announcement
	// link: positional cell texts plus the whole-row text as fallback.
	scriptCollectResults = fmt.Sprintf(`(() => {
  const seen = new Set();
  const results = [];
  const links = Array.from(document.querySelectorAll(%q));
  for (const link of links) {
    const href = link.getAttribute("href") || "";
    const id = (href.split("/").pop() || "").split("?")[0];
    if (!id || seen.has(id)) continue;
    seen.add(id);

    const row = link.closest("tr") || link.closest("[role=row]") || link.closest("div");
    let cells = [];
    if (row) {
      cells = Array.from(row.querySelectorAll("td")).map((c) => (c.innerText || "").trim()).filter(Boolean);
      if (cells.length === 0) {
        cells = Array.from(row.querySelectorAll('[role="cell"]')).map((c) => (c.innerText || "").trim()).filter(Boolean);
      }
      if (cells.length === 0 && row.innerText) {
        cells = row.innerText.split("\n").map((s) => s.trim()).filter(Boolean);
      }
    }

    results.push({
      id: id,
      url: link.href,
      cells: cells,
      rowText: row ? (row.innerText || "") : "",
    });
  }
  return results;
})()`, poit.ResultLinkSelector)
)

func findInputScript(selectors []string) string {
	return fmt.Sprintf(`(() => {
  const selectors = %s;
  for (const sel of selectors) {
    if (document.querySelector(sel)) return sel;
  }
  return "";
})()`, jsStrings(selectors))
}

func dispatchEventsScript(selectors []string) string {
	return fmt.Sprintf(`(() => {
  const selectors = %s;
  for (const sel of selectors) {
    const el = document.querySelector(sel);
    if (!el) continue;
    el.dispatchEvent(new Event("input", { bubbles: true }));
    el.dispatchEvent(new Event("change", { bubbles: true }));
    el.blur();
    return true;
  }
  return false;
})()`, jsStrings(selectors))
}

func jsStrings(values []string) string {
	encoded, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
