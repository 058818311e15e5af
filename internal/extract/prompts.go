package extract

// requirementsSchema is the JSON shape requested from per-document and
// combined generative calls.
const requirementsSchema = `{
  "requirements": [
    {
      "text": "string, the requirement restated as one sentence",
      "category": "one of: capacity, date, location, av, food_beverage, invoicing, compliance_clause, other",
      "priority": "one of: high, medium, low"
    }
  ]
}`

// rfqSchema is the JSON shape requested by the RFQ deep pass. Every key is
// required and must be an array.
const rfqSchema = `{
  "lodging":            [{"requirement": "string", "priority": "high|medium|low"}],
  "function_space":     [{"requirement": "string", "priority": "high|medium|low"}],
  "av":                 [{"requirement": "string", "priority": "high|medium|low"}],
  "food_beverage":      [{"requirement": "string", "priority": "high|medium|low"}],
  "schedule":           [{"requirement": "string", "priority": "high|medium|low"}],
  "invoicing":          [{"requirement": "string", "priority": "high|medium|low"}],
  "compliance_clauses": [{"requirement": "string", "priority": "high|medium|low"}],
  "other":              [{"requirement": "string", "priority": "high|medium|low"}]
}`

const requirementsPrompt = `You are reviewing a U.S. government solicitation document for a contractor preparing a bid.

List every obligation the contractor must meet: quantities, dates, locations, equipment, catering, invoicing terms and contract clauses. Use "high" priority for mandatory language (must, shall, required), "medium" for expected items and "low" for preferences.

Document: %s

%s`

const rfqPrompt = `You are reviewing a Request for Quote for lodging, meeting space and event services.

Sort every requirement into the categories of the schema. Use an empty array for a category with no requirements; do not omit keys.

Document: %s

%s`
