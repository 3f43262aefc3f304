package poit

// DOM markers and selectors for the POIT single-page app. These are coupled
// to the current upstream build and drift over time, so they live here as
// plain constants rather than inline in the scraping code.

// StartURL is the entry page of the announcement search flow.
const StartURL = "https://poit.bolagsverket.se/poit-app/sok"

// SearchPathPattern matches the URL reached after opening the search form.
const SearchPathPattern = "/poit-app/sok"

// Detail REST endpoints observed from the SPA. Responses on these carry the
// announcement payload; 429s on them feed the blocking heuristic.
const (
	DetailSearchEndpoint = "/poit/rest/SokKungorelse"
	DetailFetchEndpoint  = "/poit/rest/HamtaKungorelse"
)

// CAPTCHA wall markers.
const (
	BlockAnswerSelector = "#ans"
	BlockSubmitSelector = "#jar"
	BlockBodyPhrase     = "human visitor"
)

// Search form selectors, in priority order. The SPA renders inputs under
// varying attribute schemes across builds.
var (
	NameInputSelectors = []string{
		"#namn",
		`input[name*="namn"]`,
		`input[placeholder*="Företagsnamn"]`,
	}
	OrgInputSelectors = []string{
		"#personOrgnummer",
		`input[name*="org"]`,
		`input[placeholder*="Org"]`,
		`input[placeholder*="Organisationsnummer"]`,
	}
)

// SearchLinkText labels both the link that opens the search form and the
// submit button.
const SearchLinkText = "Sök kungörelse"

// Cookie-consent dismiss selectors, in priority order.
var CookieBannerSelectors = []string{
	`button[data-cookiefirst-action="reject"]`,
	`button[data-cookiefirst-action="accept"]`,
	`.cookiefirst-root button`,
	`dialog[aria-label*="Cookie"] button`,
	`[class*="cookie"] button:first-of-type`,
}

// Result page markers.
var (
	ResultLinkSelector = `a.kungorelse__link, a[href*="kungorelse/"]`
	NoResultPhrases    = []string{"inga träffar", "inga kungörelser", "0 träffar"}
	LoadingPhrase      = "Laddar"
	ClientErrorPhrase  = "TypeError"
)

// Detail page markers: text extraction starts after the heading and stops at
// the first trailing marker.
var (
	DetailHeadingPhrase   = "kungörelsetext"
	DetailTrailingPhrases = []string{"tillbaka", "skriv ut"}
)

// OrgNumberLabels precede organization numbers inside announcement text.
var OrgNumberLabels = []string{"Org.nr", "Org nr", "Organisationsnummer"}
