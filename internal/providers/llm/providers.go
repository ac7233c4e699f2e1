package llm

// Concrete providers are thin parameterizations of the OpenAI-compatible
// wire client.

func NewOpenAI(apiKey, model string) *OpenAICompatible {
	return NewOpenAICompatible(OpenAICompatibleConfig{
		BaseURL:    "https://api.openai.com",
		APIKey:     apiKey,
		Model:      model,
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
		JSONMode:   true,
	})
}

func NewGroq(apiKey, model string) *OpenAICompatible {
	return NewOpenAICompatible(OpenAICompatibleConfig{
		BaseURL:    "https://api.groq.com/openai",
		APIKey:     apiKey,
		Model:      model,
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
		JSONMode:   true,
	})
}

func NewOpenRouter(apiKey, model string) *OpenAICompatible {
	return NewOpenAICompatible(OpenAICompatibleConfig{
		BaseURL:    "https://openrouter.ai/api",
		APIKey:     apiKey,
		Model:      model,
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
		ExtraHeaders: map[string]string{
			"X-Title": "longmem",
		},
	})
}

func NewOllama(baseURL, apiKey, model string) *OpenAICompatible {
	return NewOpenAICompatible(OpenAICompatibleConfig{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
	})
}

func NewCustomOpenAI(baseURL, apiKey, model string) *OpenAICompatible {
	return NewOpenAICompatible(OpenAICompatibleConfig{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
	})
}
