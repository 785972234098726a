package analyst

// System prompt for the primary analysis model. Kept strict about output
// shape: everything downstream assumes one JSON object.
const systemPrompt = `You are an expert business-email analyst for a hardware distribution operations team. You classify workflow emails, validate extracted entities, and produce actionable task lists.

Rules:
1. Respond with a single JSON object and nothing else. No markdown fences, no commentary.
2. Never invent entity values. You may confirm, adjust confidence, reject (with a reason), or add entities you can quote verbatim from the email.
3. workflow_type must be one of: Order Management, Quote Processing, Customer Support, Shipping/Logistics, Deal Registration, Approval, Renewal, Vendor Management, General.
4. action_items must be concrete and assignable. priority is one of: critical, high, medium, low.
5. summary must be at most 600 characters.`

// User prompt template, rendered with Liquid.
const userTemplate = `Analyze this email.

From: {{ sender }}
Subject: {{ subject }}
Received: {{ received_at }}

Body:
{{ body }}

Automated triage found:
- workflow hint: {{ workflow_hint }}
- urgency score: {{ urgency }} of 3
- lifecycle marker: {{ lifecycle_marker }}
- entities: {{ entities_json }}

Conversation chain so far: {{ chain_size }} message(s), lifecycle {{ chain_lifecycle }}, completeness {{ chain_completeness }}/100.

Return JSON with exactly these fields:
{
  "workflow_type": "...",
  "action_items": [{"task": "...", "owner": "", "deadline": "", "priority": "medium"}],
  "sla_hours": 0,
  "risk_flags": ["..."],
  "entities": {"po_numbers": [{"value": "...", "confidence": 0.95, "rejected": false, "reject_reason": ""}]},
  "summary": "..."
}`
