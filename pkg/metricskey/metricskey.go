package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	StatsServersRegistered = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_servers_registered",
		Help:         "stats_servers_registered provides total tool servers registered",
		RequiredTags: []string{"server"},
	}

	StatsServersReleased = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_servers_released",
		Help:         "stats_servers_released provides total tool servers released",
		RequiredTags: []string{"server"},
	}

	StatsToolsDiscovered = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tools_discovered",
		Help:         "stats_tools_discovered provides total tools discovered at registration",
		RequiredTags: []string{"server"},
	}

	StatsLLMMessagesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_messages_sent",
		Help:         "stats_llm_messages_sent provides total messages sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls that had no route",
		RequiredTags: []string{"tool"},
	}
)

// Perf
var (
	PerfChatRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_chat_run",
		Help:         "perf_chat_run provides duration of chat run",
		RequiredTags: []string{"model"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfServerConnect = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_server_connect",
		Help:         "perf_server_connect provides duration of server connect and discovery",
		RequiredTags: []string{"server"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfChatRun,
	&PerfServerConnect,
	&PerfToolCall,
	&StatsLLMMessagesSent,
	&StatsServersRegistered,
	&StatsServersReleased,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
	&StatsToolsDiscovered,
}
