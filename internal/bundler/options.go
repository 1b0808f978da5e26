package bundler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/vango-dev/packscripts/internal/config"
)

var loaderNames = map[string]api.Loader{
	"base64":     api.LoaderBase64,
	"binary":     api.LoaderBinary,
	"copy":       api.LoaderCopy,
	"css":        api.LoaderCSS,
	"dataurl":    api.LoaderDataURL,
	"empty":      api.LoaderEmpty,
	"file":       api.LoaderFile,
	"global-css": api.LoaderGlobalCSS,
	"js":         api.LoaderJS,
	"json":       api.LoaderJSON,
	"jsx":        api.LoaderJSX,
	"local-css":  api.LoaderLocalCSS,
	"text":       api.LoaderText,
	"ts":         api.LoaderTS,
	"tsx":        api.LoaderTSX,
}

var targetNames = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

var sourcemapNames = map[string]api.SourceMap{
	"":         api.SourceMapNone,
	"none":     api.SourceMapNone,
	"inline":   api.SourceMapInline,
	"external": api.SourceMapExternal,
	"linked":   api.SourceMapLinked,
}

// loaders builds the extension to loader table. Images default to the file
// loader and the inline-assets plugin decides per image. Fonts are inlined.
func loaders(cfg *config.Config) (map[string]api.Loader, error) {
	out := make(map[string]api.Loader)
	for _, ext := range cfg.Assets.Images {
		out[ext] = api.LoaderFile
	}
	for _, ext := range cfg.Assets.Fonts {
		out[ext] = api.LoaderDataURL
	}
	for _, rule := range cfg.Loaders {
		loader, ok := loaderNames[strings.ToLower(rule.Loader)]
		if !ok {
			return nil, fmt.Errorf("unknown loader %q for %s", rule.Loader, rule.Ext)
		}
		ext := rule.Ext
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = loader
	}
	return out, nil
}

// buildOptions translates the configuration into esbuild options. Output is
// kept in memory; emitters decide where it goes.
func buildOptions(cfg *config.Config, plugins []api.Plugin) (api.BuildOptions, error) {
	loader, err := loaders(cfg)
	if err != nil {
		return api.BuildOptions{}, err
	}
	target, ok := targetNames[strings.ToLower(cfg.Build.Target)]
	if !ok {
		return api.BuildOptions{}, fmt.Errorf("unknown target %q", cfg.Build.Target)
	}
	sourcemap, ok := sourcemapNames[cfg.Build.Sourcemap]
	if !ok {
		return api.BuildOptions{}, fmt.Errorf("unknown sourcemap mode %q", cfg.Build.Sourcemap)
	}

	opts := api.BuildOptions{
		AbsWorkingDir:     cfg.Dir,
		EntryPoints:       cfg.EntryPoints(),
		Bundle:            true,
		Write:             false,
		Metafile:          true,
		Outdir:            cfg.OutputPath(),
		EntryNames:        cfg.Output.EntryNames,
		ChunkNames:        cfg.Output.ChunkNames,
		AssetNames:        cfg.Output.AssetNames,
		PublicPath:        cfg.Output.PublicPath,
		ResolveExtensions: cfg.Resolve.Extensions,
		Loader:            loader,
		Define: map[string]string{
			"process.env.NODE_ENV":   strconv.Quote(string(cfg.Mode)),
			"process.env.PUBLIC_URL": strconv.Quote(cfg.PublicURL()),
		},
		MinifyWhitespace:  cfg.Build.Minify,
		MinifyIdentifiers: cfg.Build.Minify,
		MinifySyntax:      cfg.Build.Minify,
		Sourcemap:         sourcemap,
		Target:            target,
		Format:            api.FormatIIFE,
		Platform:          api.PlatformBrowser,
		JSX:               api.JSXAutomatic,
		Charset:           api.CharsetUTF8,
		LogLevel:          api.LogLevelSilent,
		Plugins:           plugins,
	}
	if cfg.Build.Banner != "" {
		opts.Banner = map[string]string{"js": cfg.Build.Banner, "css": cfg.Build.Banner}
	}
	return opts, nil
}
