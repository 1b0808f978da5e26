package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Configuration Errors (E120-E139)
	// ============================================

	"E120": {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
		Detail:   "The configuration could not be parsed or contains invalid values.",
	},
	"E121": {
		Category:   CategoryConfig,
		Message:    "Project metadata not found",
		Detail:     "No package.json was found in the project directory.",
		Suggestion: "Run the command from the project root or pass --dir",
	},
	"E122": {
		Category:   CategoryConfig,
		Message:    "Invalid port",
		Detail:     "The dev server port must be a number between 0 and 65535.",
		Suggestion: "Check the PORT environment variable and the --port flag",
	},
	"E123": {
		Category:   CategoryConfig,
		Message:    "Entry point not found",
		Detail:     "An entry point listed in the configuration does not exist.",
		Suggestion: "Create src/index.tsx or set entry in packscripts.yaml",
	},
	"E124": {
		Category:   CategoryConfig,
		Message:    "Unknown build mode",
		Detail:     "NODE_ENV must be either development or production.",
		Suggestion: "Unset NODE_ENV or set it to development or production",
	},

	// ============================================
	// Build Errors (E140-E159)
	// ============================================

	"E140": {
		Category: CategoryBuild,
		Message:  "Failed to create compiler",
		Detail:   "The bundler rejected the build options.",
	},
	"E141": {
		Category: CategoryBuild,
		Message:  "Build failed",
		Detail:   "The bundler reported errors.",
	},
	"E142": {
		Category: CategoryBuild,
		Message:  "Failed to emit assets",
		Detail:   "Writing build output failed.",
	},
	"E143": {
		Category:   CategoryBuild,
		Message:    "Failed to clean output directory",
		Suggestion: "Check permissions on the output directory",
	},
	"E144": {
		Category:   CategoryBuild,
		Message:    "Type check failed",
		Detail:     "The TypeScript compiler reported errors.",
		Suggestion: "Fix the reported type errors or pass --no-typecheck",
	},

	// ============================================
	// Server Errors (E160-E179)
	// ============================================

	"E160": {
		Category:   CategoryServer,
		Message:    "Failed to start dev server",
		Detail:     "The listener could not be bound.",
		Suggestion: "Another process may be using the port; set PORT to a free port",
	},
	"E161": {
		Category: CategoryServer,
		Message:  "File watcher failed",
	},

	// ============================================
	// Publish Errors (E180-E199)
	// ============================================

	"E180": {
		Category:   CategoryPublish,
		Message:    "Upload failed",
		Detail:     "An object could not be uploaded to the bucket.",
		Suggestion: "Check AWS credentials and bucket permissions",
	},
	"E181": {
		Category:   CategoryPublish,
		Message:    "Publish target not configured",
		Suggestion: "Set publish.bucket in packscripts.yaml",
	},
}
