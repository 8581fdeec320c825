package cdpcontrol

// ClickableSelector matches the elements listed by the clickable inventory.
const ClickableSelector = "button, [role=button], .btn, a, [ng-click]"

// ClickResultFound and ClickResultMissing are the strings JSClickLink returns.
func ClickResultFound(text string) string   { return "Clicked " + text + "!" }
func ClickResultMissing(text string) string { return text + " link not found" }

// JSClickLink clicks the first anchor matching selector whose trimmed
// innerText equals text exactly.
func JSClickLink(selector, text string) string {
	return wrapIIFE(`var text = ` + jsString(text) + `;
var links = Array.prototype.slice.call(document.querySelectorAll(` + jsString(selector) + `));
var link = null;
for (var i = 0; i < links.length; i++) {
  if (String(links[i].innerText || "").trim() === text) { link = links[i]; break; }
}
if (link) {
  link.click();
  return ` + jsString(ClickResultFound(text)) + `;
}
return ` + jsString(ClickResultMissing(text)) + `;`)
}

// JSPageState reports the active nav link, whether the body mentions a
// workspace, and the first snippetLimit characters of the body text.
func JSPageState(activeSelector string, snippetLimit int) string {
	return wrapIIFE(`var content = document.body ? String(document.body.innerText || "") : "";
var hasWorkspaces = content.includes("Workspace") || content.includes("workspace");
var activeLink = document.querySelector(` + jsString(activeSelector) + `);
return {
  activePage: activeLink ? String(activeLink.innerText || "").trim() : "unknown",
  hasWorkspaceContent: hasWorkspaces,
  pageSnippet: content.substring(0, ` + jsInt(snippetLimit) + `)
};`)
}

// JSActiveLinkIs is true once the active nav link's trimmed text equals text.
func JSActiveLinkIs(activeSelector, text string) string {
	return wrapIIFE(`var a = document.querySelector(` + jsString(activeSelector) + `);
return !!a && String(a.innerText || "").trim() === ` + jsString(text) + `;`)
}

const JSDocumentTitle = `document.title`

// JSClickables lists up to limit interactive elements with text and class
// cut to fieldLimit characters.
func JSClickables(limit, fieldLimit int) string {
	return wrapIIFE(`var els = Array.prototype.slice.call(document.querySelectorAll(` + jsString(ClickableSelector) + `));
return els.map(function(el) {
  return {
    tag: el.tagName,
    text: String(el.innerText || el.textContent || "").trim().substring(0, ` + jsInt(fieldLimit) + `),
    class: String(el.className || "").substring(0, ` + jsInt(fieldLimit) + `)
  };
}).slice(0, ` + jsInt(limit) + `);`)
}
