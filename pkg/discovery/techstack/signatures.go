package techstack

// Pattern sources.
const (
	sourceHeader = "header"
	sourceBody   = "body"
	sourceCookie = "cookie"
	sourceMeta   = "meta"
	sourceScript = "script"
	sourceURL    = "url"
)

func header(expr string) Pattern { return Pattern{Type: sourceHeader, Pattern: expr} }
func headerV(expr string) Pattern { return Pattern{Type: sourceHeader, Pattern: expr, Versioned: true} }
func body(expr string) Pattern { return Pattern{Type: sourceBody, Pattern: expr} }
func bodyV(expr string) Pattern { return Pattern{Type: sourceBody, Pattern: expr, Versioned: true} }
func cookie(expr string) Pattern { return Pattern{Type: sourceCookie, Pattern: expr} }
func meta(expr string) Pattern { return Pattern{Type: sourceMeta, Pattern: expr} }
func metaV(expr string) Pattern { return Pattern{Type: sourceMeta, Pattern: expr, Versioned: true} }
func script(expr string) Pattern { return Pattern{Type: sourceScript, Pattern: expr} }
func scriptV(expr string) Pattern { return Pattern{Type: sourceScript, Pattern: expr, Versioned: true} }
func urlPattern(expr string) Pattern { return Pattern{Type: sourceURL, Pattern: expr} }

// builtinSignatures is the local signature table. Header patterns match
// against "Name: value" lines.
var builtinSignatures = []Signature{
	{Name: "Nginx", Category: CategoryWebServer, Website: "https://nginx.org", Patterns: []Pattern{
		headerV(`(?i)^Server: nginx(?:/([\d.]+))?`),
	}},
	{Name: "Apache", Category: CategoryWebServer, Website: "https://httpd.apache.org", Patterns: []Pattern{
		headerV(`(?i)^Server: Apache(?:/([\d.]+))?`),
	}},
	{Name: "Microsoft IIS", Category: CategoryWebServer, Website: "https://www.iis.net", Implies: []string{"Windows Server"}, Patterns: []Pattern{
		headerV(`(?i)^Server: Microsoft-IIS(?:/([\d.]+))?`),
	}},
	{Name: "Windows Server", Category: CategoryOS, Website: "https://www.microsoft.com/windows-server"},
	{Name: "PHP", Category: CategoryLanguage, Website: "https://php.net", Patterns: []Pattern{
		headerV(`(?i)^X-Powered-By: PHP(?:/([\d.]+))?`),
		cookie(`PHPSESSID`),
	}},
	{Name: "ASP.NET", Category: CategoryFramework, Website: "https://dotnet.microsoft.com", Implies: []string{"Microsoft IIS"}, Patterns: []Pattern{
		header(`(?i)^X-Powered-By: ASP\.NET`),
		headerV(`(?i)^X-AspNet-Version: ([\d.]+)`),
		cookie(`ASP\.NET_SessionId`),
	}},
	{Name: "Java", Category: CategoryLanguage, Website: "https://java.com", Patterns: []Pattern{
		cookie(`JSESSIONID`),
	}},
	{Name: "Python", Category: CategoryLanguage, Website: "https://python.org"},
	{Name: "Ruby", Category: CategoryLanguage, Website: "https://ruby-lang.org"},
	{Name: "Node.js", Category: CategoryLanguage, Website: "https://nodejs.org"},
	{Name: "Django", Category: CategoryFramework, Website: "https://djangoproject.com", Implies: []string{"Python"}, Patterns: []Pattern{
		cookie(`csrftoken`),
		body(`csrfmiddlewaretoken`),
	}},
	{Name: "Ruby on Rails", Category: CategoryFramework, Website: "https://rubyonrails.org", Implies: []string{"Ruby"}, Patterns: []Pattern{
		cookie(`_[a-z0-9_]+_session`),
		meta(`name="csrf-param"`),
		header(`(?i)^X-Runtime: `),
	}},
	{Name: "Laravel", Category: CategoryFramework, Website: "https://laravel.com", Implies: []string{"PHP"}, Patterns: []Pattern{
		cookie(`laravel_session`),
		cookie(`XSRF-TOKEN`),
	}},
	{Name: "Express", Category: CategoryFramework, Website: "https://expressjs.com", Implies: []string{"Node.js"}, Patterns: []Pattern{
		header(`(?i)^X-Powered-By: Express`),
	}},
	{Name: "Next.js", Category: CategoryFramework, Website: "https://nextjs.org", Implies: []string{"React", "Node.js"}, Patterns: []Pattern{
		header(`(?i)^X-Powered-By: Next\.js`),
		body(`__NEXT_DATA__`),
		script(`/_next/static/`),
	}},
	{Name: "Spring", Category: CategoryFramework, Website: "https://spring.io", Implies: []string{"Java"}, Patterns: []Pattern{
		header(`(?i)^X-Application-Context: `),
		body(`Whitelabel Error Page`),
	}},
	{Name: "WordPress", Category: CategoryCMS, Website: "https://wordpress.org", Implies: []string{"PHP", "MySQL"}, Patterns: []Pattern{
		body(`/wp-(?:content|includes)/`),
		metaV(`(?i)content="WordPress\s*([\d.]+)?"`),
		header(`(?i)^Link: .*api\.w\.org`),
	}},
	{Name: "Drupal", Category: CategoryCMS, Website: "https://drupal.org", Implies: []string{"PHP"}, Patterns: []Pattern{
		headerV(`(?i)^X-Generator: Drupal\s*([\d.]+)?`),
		body(`drupal-settings-json|Drupal\.settings`),
	}},
	{Name: "Joomla", Category: CategoryCMS, Website: "https://joomla.org", Implies: []string{"PHP"}, Patterns: []Pattern{
		metaV(`(?i)content="Joomla!?\s*([\d.]+)?`),
		body(`/media/jui/`),
	}},
	{Name: "MySQL", Category: CategoryDatabase, Website: "https://mysql.com"},
	{Name: "jQuery", Category: CategoryJSLibrary, Website: "https://jquery.com", Patterns: []Pattern{
		scriptV(`jquery[.-]?([\d.]+\d)?(?:\.min)?\.js`),
	}},
	{Name: "React", Category: CategoryJSFramework, Website: "https://react.dev", Patterns: []Pattern{
		body(`data-reactroot`),
		scriptV(`react(?:-dom)?(?:[.@-]([\d.]+\d))?(?:\.production)?(?:\.min)?\.js`),
	}},
	{Name: "Vue.js", Category: CategoryJSFramework, Website: "https://vuejs.org", Patterns: []Pattern{
		body(`data-v-[0-9a-f]{8}`),
		scriptV(`vue(?:[.@-]([\d.]+\d))?(?:\.global|\.runtime)?(?:\.min)?\.js`),
	}},
	{Name: "Angular", Category: CategoryJSFramework, Website: "https://angular.io", Patterns: []Pattern{
		bodyV(`ng-version="([\d.]+)"`),
	}},
	{Name: "GraphQL", Category: CategoryAPI, Website: "https://graphql.org", Patterns: []Pattern{
		urlPattern(`/graphql\b`),
		body(`__schema|graphiql`),
	}},
	{Name: "Swagger UI", Category: CategoryAPI, Website: "https://swagger.io", Patterns: []Pattern{
		body(`swagger-ui`),
		urlPattern(`/swagger(?:-ui)?(?:\.html|/)`),
	}},
	{Name: "Google Analytics", Category: CategoryAnalytics, Website: "https://analytics.google.com", Patterns: []Pattern{
		script(`google-analytics\.com/(?:ga|analytics)\.js|googletagmanager\.com/gtag/js`),
	}},
	{Name: "Cloudflare", Category: CategoryCDN, Website: "https://cloudflare.com", Patterns: []Pattern{
		header(`(?i)^Server: cloudflare`),
		header(`(?i)^Cf-Ray: `),
	}},
	{Name: "Amazon CloudFront", Category: CategoryCDN, Website: "https://aws.amazon.com/cloudfront", Patterns: []Pattern{
		header(`(?i)^Via: .*CloudFront`),
		header(`(?i)^X-Amz-Cf-Id: `),
	}},
	{Name: "reCAPTCHA", Category: CategorySecurity, Website: "https://google.com/recaptcha", Patterns: []Pattern{
		script(`google\.com/recaptcha`),
		body(`g-recaptcha`),
	}},
}
