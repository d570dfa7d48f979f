package mcpadapter

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func directToolOptions(description string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The search query text"),
		),
		mcp.WithNumber("top",
			mcp.Description("Maximum number of results to return"),
			mcp.DefaultNumber(5),
			mcp.Min(1),
		),
		mcp.WithString("filter",
			mcp.Description("OData filter expression passed to the index, e.g. category eq 'docs'"),
		),
		mcp.WithObject("filters",
			mcp.Description("Field equality filters, combined with and"),
		),
	}
}

func keywordSearchTool() mcp.Tool {
	return mcp.NewTool("keyword_search", directToolOptions(
		"Search the index with lexical (full-text) matching",
	)...)
}

func vectorSearchTool() mcp.Tool {
	return mcp.NewTool("vector_search", directToolOptions(
		"Search the index by semantic similarity of embeddings",
	)...)
}

func hybridSearchTool() mcp.Tool {
	return mcp.NewTool("hybrid_search", directToolOptions(
		"Search the index with keyword and vector retrieval fused into one ranking",
	)...)
}

func searchTool() mcp.Tool {
	opts := directToolOptions("Search the index with an explicit retrieval mode")
	opts = append(opts, mcp.WithString("mode",
		mcp.Required(),
		mcp.Description("Retrieval mode"),
		mcp.Enum("keyword", "vector", "hybrid"),
	))
	return mcp.NewTool("search", opts...)
}

func searchIndexTool() mcp.Tool {
	return mcp.NewTool("search_index",
		mcp.WithDescription("Ask the agent to answer from the document index, with citations"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithNumber("top",
			mcp.Description("Documents retrieved per agent search"),
			mcp.Min(1),
		),
	)
}

func webSearchTool() mcp.Tool {
	return mcp.NewTool("web_search",
		mcp.WithDescription("Ask the agent to answer from web search results, with citations"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
	)
}

func agentSearchTool() mcp.Tool {
	return mcp.NewTool("agent_search",
		mcp.WithDescription("Ask the agent to answer using the document index and the web"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithArray("tools",
			mcp.Description("Subset of agent tools to enable: search_documents, web_search"),
			mcp.WithStringItems(),
		),
		mcp.WithNumber("top",
			mcp.Description("Documents retrieved per agent search"),
			mcp.Min(1),
		),
		mcp.WithString("thread_id",
			mcp.Description("Continue an existing agent thread"),
		),
	)
}
