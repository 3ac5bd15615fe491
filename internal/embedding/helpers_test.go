package embedding

import "pagewise/internal/config"

func testConfig() config.Config {
	return config.Config{EmbedDim: 16, EmbedProviders: "lexical"}
}
