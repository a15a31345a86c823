package hook

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/mqttcore/broker/topic"
)

// Rule is one ACL entry: Allow grants or denies Access on any topic matching
// Filter (an MQTT topic filter, wildcards included) for Username. An empty
// Username matches any authenticated client.
type Rule struct {
	Username string     `json:"username"`
	Filter   string     `json:"filter"`
	Access   AccessType `json:"access"`
	Allow    bool       `json:"allow"`
}

// ruleDocument is the on-disk shape loaded by LoadRuleSet.
type ruleDocument struct {
	Rules []Rule `json:"rules"`
}

// RuleSetHook enforces a loaded list of ACL rules via OnACLCheck. Rules are
// evaluated in document order; the first matching rule decides the outcome.
// With rules loaded, a topic/access pair matching none of them is denied
// (default-deny); with no rule set loaded at all, every check passes.
type RuleSetHook struct {
	*Base
	mu      sync.RWMutex
	rules   []Rule
	matcher *topic.TopicMatcher
}

// NewRuleSetHook creates an empty RuleSetHook; call LoadFile or LoadRules to
// populate it.
func NewRuleSetHook() *RuleSetHook {
	return &RuleSetHook{
		Base:    &Base{id: "ruleset-acl"},
		matcher: topic.NewTopicMatcher(),
	}
}

// Provides indicates this hook provides ACL enforcement.
func (h *RuleSetHook) Provides(event Event) bool {
	return event == OnACLCheck
}

// LoadFile reads a JSON rule document from path and replaces the active
// rule set atomically.
func (h *RuleSetHook) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return h.LoadJSON(data)
}

// LoadJSON parses a JSON rule document and replaces the active rule set.
func (h *RuleSetHook) LoadJSON(data []byte) error {
	var doc ruleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	h.LoadRules(doc.Rules)
	return nil
}

// LoadRules replaces the active rule set directly.
func (h *RuleSetHook) LoadRules(rules []Rule) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules = rules
}

// RuleCount returns the number of loaded rules.
func (h *RuleSetHook) RuleCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rules)
}

// OnACLCheck evaluates the loaded rules against client and the requested
// topic/access, first match wins, default-deny if nothing matches.
func (h *RuleSetHook) OnACLCheck(client *Client, topicName string, access AccessType) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, rule := range h.rules {
		if rule.Username != "" && (client == nil || rule.Username != client.Username) {
			continue
		}
		if rule.Access != access && rule.Access != AccessTypeReadWrite {
			continue
		}
		if !h.matcher.Match(rule.Filter, topicName) {
			continue
		}
		return rule.Allow
	}

	return len(h.rules) == 0
}
